package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWinnerOnEveryLine(t *testing.T) {
	for _, line := range lines {
		for _, mark := range []Mark{X, O} {
			var b Board
			for _, i := range line {
				b[i] = mark
			}
			assert.Equal(t, mark, b.Winner(), "line %v", line)
			assert.True(t, b.CheckWin(mark))
			assert.False(t, b.IsTie())
		}
	}
}

func TestFullBoardWithoutLineIsTie(t *testing.T) {
	// X O X
	// X O O
	// O X X
	b := Board{X, O, X, X, O, O, O, X, X}
	assert.Equal(t, Empty, b.Winner())
	assert.True(t, b.IsFull())
	assert.True(t, b.IsTie())
}

func TestPartialBoardIsNeitherWinNorTie(t *testing.T) {
	b := Board{X, O, X}
	assert.Equal(t, Empty, b.Winner())
	assert.False(t, b.IsFull())
	assert.False(t, b.IsTie())
}

func TestPlace(t *testing.T) {
	b := NewBoard()
	require.NoError(t, b.Place(1, 2, X))
	assert.Equal(t, X, b.GetCell(1, 2))
	assert.ErrorIs(t, b.Place(1, 2, O), ErrCellOccupied)
	assert.ErrorIs(t, b.Place(3, 0, O), ErrInvalidCell)
	assert.ErrorIs(t, b.Place(0, -1, O), ErrInvalidCell)
}

func TestToSlice(t *testing.T) {
	b := Board{X, "", O}
	assert.Equal(t, [][]string{{"X", "", "O"}, {"", "", ""}, {"", "", ""}}, b.ToSlice())
}
