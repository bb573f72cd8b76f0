package handshake

// TorrentResolver lets the responder side of a handshake map an MSE
// obfuscated hash, or a plain BT handshake info hash, back to a torrent it
// is willing to talk about. SHA1 cannot be inverted, so resolving an
// obfuscated hash means trying every known info hash (spec.md §6,
// "find_torrent_by_obfuscated_hash" collaborator).
type TorrentResolver interface {
	// InfoHashes returns the info hashes of all torrents currently known
	// to the client.
	InfoHashes() [][20]byte
	// Known reports whether hash belongs to a known torrent.
	Known(hash [20]byte) bool
}
