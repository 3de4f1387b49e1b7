// Package crc implements the checksum primitives used across the Cyphal wire
// formats: CRC-16/CCITT-FALSE for CAN multi-frame transfers and UDP frame
// headers, CRC-32C for UDP transfer payloads, and CRC-64/WE for register keys.
package crc

import "hash/crc32"

// CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, not reflected, no xorout.
const (
	crc16Poly = 0x1021
	crc16Init = 0xFFFF
)

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		c := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if c&0x8000 != 0 {
				c = (c << 1) ^ crc16Poly
			} else {
				c <<= 1
			}
		}
		crc16Table[i] = c
	}
	initCRC64Table()
}

// CRC16 holds a running CRC-16/CCITT-FALSE value.
type CRC16 uint16

// NewCRC16 returns the initial CRC-16 state.
func NewCRC16() CRC16 { return crc16Init }

// Update feeds data into the running CRC and returns the new state.
func (c CRC16) Update(data []byte) CRC16 {
	v := uint16(c)
	for _, b := range data {
		v = (v << 8) ^ crc16Table[byte(v>>8)^b]
	}
	return CRC16(v)
}

// Value returns the current CRC value.
func (c CRC16) Value() uint16 { return uint16(c) }

// Checksum16 computes the CRC-16/CCITT-FALSE of data in one shot.
func Checksum16(data []byte) uint16 { return NewCRC16().Update(data).Value() }

// crc32c is the Castagnoli table; the stdlib implementation is hardware
// accelerated where available.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum32C computes the CRC-32C (Castagnoli) of all fragments in order.
func Checksum32C(fragments ...[]byte) uint32 {
	v := uint32(0)
	for _, f := range fragments {
		v = crc32.Update(v, crc32cTable, f)
	}
	return v
}

// CRC-64/WE: poly 0x42F0E1EBA9EA3693, init all ones, not reflected,
// xorout all ones. The stdlib hash/crc64 package only provides reflected
// variants, so the table is built here.
const crc64Poly = 0x42F0E1EBA9EA3693

var crc64Table [256]uint64

func initCRC64Table() {
	for i := 0; i < 256; i++ {
		c := uint64(i) << 56
		for b := 0; b < 8; b++ {
			if c&(1<<63) != 0 {
				c = (c << 1) ^ crc64Poly
			} else {
				c <<= 1
			}
		}
		crc64Table[i] = c
	}
}

// Checksum64WE computes the CRC-64/WE of data.
func Checksum64WE(data []byte) uint64 {
	v := ^uint64(0)
	for _, b := range data {
		v = (v << 8) ^ crc64Table[byte(v>>56)^b]
	}
	return ^v
}
