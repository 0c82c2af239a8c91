package session

import "errors"

// Transfer failure taxonomy. Engines and the CLI match these with errors.Is;
// everything else they see is wrapped detail.
var (
	// ErrAlreadyExists means the destination path exists and overwrite was
	// not requested. Raised before any data moves.
	ErrAlreadyExists = errors.New("destination already exists")

	// ErrSessionLost means the transport failed (connect, timeout, protocol).
	// A directory push aborts its remaining walk when it sees this.
	ErrSessionLost = errors.New("session lost")

	// ErrRemoteRejected means the store refused the request (permissions,
	// quota, bad handle). Terminal for the current file only.
	ErrRemoteRejected = errors.New("remote rejected request")

	// ErrShortTransfer means fewer bytes moved than the computed total.
	ErrShortTransfer = errors.New("short transfer")
)
