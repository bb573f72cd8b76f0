package bitfield

import "errors"

// ErrInvalidLength is returned by NewBytes when the supplied byte slice does
// not match the expected packed length for the requested bit count. The BT
// wire protocol treats a BITFIELD whose length does not match the piece
// count as a protocol violation (spec.md §7).
var ErrInvalidLength = errors.New("bitfield: invalid length")
