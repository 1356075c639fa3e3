// Package s7 implements the S7-200 wire protocol: address parsing, PDU
// packing, and the ISO-on-TCP transport used to talk to the PLC.
package s7

import "fmt"

// Area is the top-level S7-200 memory region addressed by a string.
type Area int

const (
	AreaDB Area = iota
	AreaInputs
	AreaOutputs
	AreaMemory
	AreaTimers
	AreaCounters
)

func (a Area) String() string {
	switch a {
	case AreaDB:
		return "DB"
	case AreaInputs:
		return "Inputs"
	case AreaOutputs:
		return "Outputs"
	case AreaMemory:
		return "Memory"
	case AreaTimers:
		return "Timers"
	case AreaCounters:
		return "Counters"
	default:
		return fmt.Sprintf("Area(%d)", int(a))
	}
}

// WordLen is the S7 access width tag carried by an address.
type WordLen int

const (
	WordLenBit WordLen = iota
	WordLenByte
	WordLenWord
	WordLenDWord
	WordLenReal
	WordLenCounter
	WordLenTimer
)

func (w WordLen) String() string {
	switch w {
	case WordLenBit:
		return "Bit"
	case WordLenByte:
		return "Byte"
	case WordLenWord:
		return "Word"
	case WordLenDWord:
		return "DWord"
	case WordLenReal:
		return "Real"
	case WordLenCounter:
		return "Counter"
	case WordLenTimer:
		return "Timer"
	default:
		return fmt.Sprintf("WordLen(%d)", int(w))
	}
}

// BytesPerWord returns the on-wire byte size of one element of the given
// word length, per §4.1's bytesPerWord table.
func BytesPerWord(w WordLen) int {
	switch w {
	case WordLenBit, WordLenByte:
		return 1
	case WordLenWord, WordLenCounter, WordLenTimer:
		return 2
	case WordLenDWord, WordLenReal:
		return 4
	default:
		return 0
	}
}
