package transfer

import "errors"

// Error kinds per spec.md §7. ConnectionError and HTTPStatus are surfaced
// directly from internal/transport (transport.ErrConnection,
// transport.HTTPStatusError) and are not redeclared here; these are the
// kinds that originate in the Transfer Controller itself.
var (
	// ErrInvalidArgument is returned when a controller is constructed with
	// an invalid chunk size.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransferSessionOpen is returned by CloseSyncSession when a
	// transfer session is still open.
	ErrTransferSessionOpen = errors.New("transfer session open")
)
