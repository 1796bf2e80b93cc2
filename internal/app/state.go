package app

// AppState represents the different modes of the progress view.
type AppState int

const (
	Building AppState = iota
	Cancelling
	Finished
)
