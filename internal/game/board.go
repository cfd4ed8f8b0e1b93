package game

const (
	Rows    = 3
	Columns = 3
	Cells   = Rows * Columns
)

// Mark is the content of a single board cell.
type Mark string

const (
	Empty Mark = ""
	X     Mark = "X"
	O     Mark = "O"
)

// lines lists the 8 winning lines as cell indexes.
var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

// Board represents the 3x3 game board
type Board [Cells]Mark

// NewBoard creates a new empty board
func NewBoard() Board {
	return Board{}
}

// index converts a row/column pair to a cell index, or -1 if out of range
func index(row, col int) int {
	if row < 0 || row >= Rows || col < 0 || col >= Columns {
		return -1
	}
	return row*Columns + col
}

// GetCell returns the value at a specific position
func (b *Board) GetCell(row, col int) Mark {
	i := index(row, col)
	if i < 0 {
		return Empty
	}
	return b[i]
}

// Place writes a mark at (row, col)
func (b *Board) Place(row, col int, m Mark) error {
	i := index(row, col)
	if i < 0 {
		return ErrInvalidCell
	}
	if b[i] != Empty {
		return ErrCellOccupied
	}
	b[i] = m
	return nil
}

// Winner returns the mark holding a complete line, or Empty
func (b *Board) Winner() Mark {
	for _, line := range lines {
		m := b[line[0]]
		if m != Empty && m == b[line[1]] && m == b[line[2]] {
			return m
		}
	}
	return Empty
}

// CheckWin checks if the specified mark has won
func (b *Board) CheckWin(m Mark) bool {
	return m != Empty && b.Winner() == m
}

// IsFull checks if every cell is taken
func (b *Board) IsFull() bool {
	for _, c := range b {
		if c == Empty {
			return false
		}
	}
	return true
}

// IsTie reports a full board without a winning line
func (b *Board) IsTie() bool {
	return b.Winner() == Empty && b.IsFull()
}

// ToSlice converts the board to a 2D slice for JSON serialization
func (b *Board) ToSlice() [][]string {
	result := make([][]string, Rows)
	for i := 0; i < Rows; i++ {
		result[i] = make([]string, Columns)
		for j := 0; j < Columns; j++ {
			result[i][j] = string(b[i*Columns+j])
		}
	}
	return result
}
