package mpegts

import "errors"

// errCRC is returned for PSI sections whose CRC_32 does not check out.
var errCRC = errors.New("mpegts: section CRC32 mismatch")

// crcTable is the MSB-first table for the MPEG-2 CRC32 (polynomial
// 0x04C11DB7, no reflection, no final XOR).
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// checkCRC reports whether a complete section, CRC_32 included, is intact.
// Running the CRC over the whole section yields zero when it is.
func checkCRC(section []byte) error {
	if len(section) < 4 || crc32MPEG(section) != 0 {
		return errCRC
	}
	return nil
}
