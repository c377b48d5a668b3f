// Package crc32c provides the CRC32C (Castagnoli) checksum primitive used
// throughout HN4 for superblocks, anchors, data block headers/payloads, and
// Chronicle entries. Grounded on filesystem/ext4/crc32c.go from the teacher
// repo, which computes CRC32C the same way: the stdlib hash/crc32 routines
// over the Castagnoli table.
package crc32c

import (
	"encoding/binary"
	"hash/crc32"
)

var table = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C of b.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, table)
}

// Update folds input into an in-progress CRC32C accumulation. Callers start
// with crc = 0 and Update repeatedly; each result is the CRC32C of all input
// folded in so far, so Update(0, b) == Checksum(b).
func Update(crc uint32, input []byte) uint32 {
	return crc32.Update(crc, table, input)
}

// UpdateUint32 folds a little-endian uint32 into an in-progress CRC32C.
func UpdateUint32(crc uint32, n uint32) uint32 {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], n)
	return Update(crc, data[:])
}

// UpdateUint64 folds a little-endian uint64 into an in-progress CRC32C.
func UpdateUint64(crc uint32, n uint64) uint32 {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], n)
	return Update(crc, data[:])
}
