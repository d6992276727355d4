package ring

import (
	"crypto/md5"
	"encoding/binary"
	"hash/crc32"
)

// HashMD5 hashes s to the 32-bit value used for consistent hashing: the
// first four bytes of the MD5 digest XORed with the next four. MD5 is
// used purely for its distribution, not for any security property.
func HashMD5(s string) uint32 {
	sum := md5.Sum([]byte(s))
	return binary.BigEndian.Uint32(sum[0:4]) ^ binary.BigEndian.Uint32(sum[4:8])
}

// HashCRC32 hashes s with the standard IEEE CRC32 polynomial.
func HashCRC32(s string) uint32 {
	return crc32.ChecksumIEEE([]byte(s))
}
