// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the bitfield handling for the 32-bit mailbox words.
// Command and status words exchanged with the coprocessor are packed bit
// fields; u32field gives register-style access and parseWord expands a word
// into a struct of typed bitfields, lowest bit first, for logging.

package copro

import (
	"fmt"
	"reflect"
)

type bitfield_1b uint8
type bitfield_2b uint8
type bitfield_3b uint8
type bitfield_5b uint8
type bitfield_20b uint32
type bitfield_23b uint32

type u32field struct {
	offset   int
	bitwidth int
}

func (u *u32field) mask() uint32 {
	return (1<<u.bitwidth - 1) << u.offset
}

func (u *u32field) read(reg uint32) uint32 {
	return (reg >> u.offset) & (1<<u.bitwidth - 1)
}

func (u *u32field) write(reg *uint32, val uint32) {
	*reg = (*reg &^ u.mask()) | ((val << u.offset) & u.mask())
}

func (u *u32field) set(val uint32) uint32 {
	var reg uint32
	u.write(&reg, val)
	return reg
}

// Boot command word written to the boot mailbox slot
var (
	BOOT_CMD_PARM = u32field{offset: 0, bitwidth: 20}
	BOOT_CMD_RDWR = u32field{offset: 20, bitwidth: 1}
	BOOT_CMD_HILO = u32field{offset: 21, bitwidth: 1}
	BOOT_CMD_TAG  = u32field{offset: 22, bitwidth: 2} // echoed back in STATUS_TAG
	BOOT_CMD_CMD  = u32field{offset: 24, bitwidth: 5}
	BOOT_CMD_GO   = u32field{offset: 31, bitwidth: 1}
)

// Status word read back from the boot status slot
var (
	STATUS_ERR_CODE = u32field{offset: 0, bitwidth: 23}
	STATUS_IRQ      = u32field{offset: 0, bitwidth: 23} // interrupt bits when TYPE is IRQ
	STATUS_ERR_FLAG = u32field{offset: 23, bitwidth: 1}
	STATUS_TAG      = u32field{offset: 24, bitwidth: 2}
	STATUS_TYPE     = u32field{offset: 28, bitwidth: 3}
)

type BOOT_CMD_WORD struct {
	Parm      bitfield_20b
	RdWr      bitfield_1b
	HiLo      bitfield_1b
	Tag       bitfield_2b
	Cmd       bitfield_5b
	Reserved  bitfield_2b
	Go        bitfield_1b
}

type STATUS_WORD struct {
	Err_Code  bitfield_23b
	Err_Flag  bitfield_1b
	Tag       bitfield_2b
	Reserved  bitfield_2b
	Type      bitfield_3b
	Reserved2 bitfield_1b
}

var bitfieldWidth = map[reflect.Type]int{
	reflect.TypeOf(bitfield_1b(0)):  1,
	reflect.TypeOf(bitfield_2b(0)):  2,
	reflect.TypeOf(bitfield_3b(0)):  3,
	reflect.TypeOf(bitfield_5b(0)):  5,
	reflect.TypeOf(bitfield_20b(0)): 20,
	reflect.TypeOf(bitfield_23b(0)): 23,
}

// parseWord fills the bitfield struct s from word, lowest bit first
func parseWord[T any](word uint32, s T) (T, error) {
	out := s
	v := reflect.ValueOf(&out).Elem()
	if v.Kind() != reflect.Struct {
		return out, fmt.Errorf("bitfield.parseWord: %s is not a struct", v.Type())
	}
	bitOfs := 0
	for i := 0; i < v.NumField(); i++ {
		width, ok := bitfieldWidth[v.Field(i).Type()]
		if !ok {
			return out, fmt.Errorf("bitfield.parseWord: field %s has no bit width", v.Type().Field(i).Name)
		}
		if bitOfs+width > 32 {
			return out, fmt.Errorf("bitfield.parseWord: %s is wider than 32 bits", v.Type())
		}
		f := u32field{offset: bitOfs, bitwidth: width}
		v.Field(i).SetUint(uint64(f.read(word)))
		bitOfs += width
	}
	return out, nil
}
