// Package dwt interprets the payload of DWT hardware source packets.
//
// Discriminator assignments follow ARMv7-M / ARMv8-M: 0 event counter wrap,
// 1 exception trace, 2 periodic PC sample, 3 PMU overflow, 8..15 data trace
// PC value / match (even) or address offset (odd), 16..23 data trace value.
package dwt

import (
	"fmt"
	"strings"
)

// Kind is the interpreted meaning of a hardware source packet.
type Kind int

const (
	KindUnknown Kind = iota
	KindEventCounter
	KindException
	KindPCSample
	KindSleep
	KindPMUOverflow
	KindDataTracePC
	KindDataTraceMatch
	KindDataTraceAddress
	KindDataTraceValue
)

func (k Kind) String() string {
	switch k {
	case KindEventCounter:
		return "Event"
	case KindException:
		return "Exception"
	case KindPCSample:
		return "PC Sample"
	case KindSleep:
		return "Sleep"
	case KindPMUOverflow:
		return "PMU Overflow"
	case KindDataTracePC:
		return "Data Trace PC Value"
	case KindDataTraceMatch:
		return "Data Trace Match"
	case KindDataTraceAddress:
		return "Data Trace Address"
	case KindDataTraceValue:
		return "Data Trace Data"
	default:
		return "Unknown"
	}
}

// EventCounters is the wrap bitmap of an event counter packet.
type EventCounters uint8

const (
	CounterCPI EventCounters = 0x01
	CounterEXC EventCounters = 0x02
	CounterSLP EventCounters = 0x04
	CounterLSU EventCounters = 0x08
	CounterFLD EventCounters = 0x10
	CounterCYC EventCounters = 0x20
)

var counterNames = []struct {
	bit  EventCounters
	name string
}{
	{CounterCPI, "CPI"},
	{CounterEXC, "EXC"},
	{CounterSLP, "SLP"},
	{CounterLSU, "LSU"},
	{CounterFLD, "FLD"},
	{CounterCYC, "CYC"},
}

// Has reports whether counter c wrapped.
func (e EventCounters) Has(c EventCounters) bool { return e&c != 0 }

func (e EventCounters) String() string {
	var parts []string
	for _, cn := range counterNames {
		if e.Has(cn.bit) {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, ";")
}

// ExceptionFn is the exception trace function field.
type ExceptionFn uint8

const (
	ExcUnknown  ExceptionFn = 0
	ExcEntered  ExceptionFn = 1
	ExcExited   ExceptionFn = 2
	ExcReturned ExceptionFn = 3
)

func (f ExceptionFn) String() string {
	switch f {
	case ExcEntered:
		return "Entered"
	case ExcExited:
		return "Exited"
	case ExcReturned:
		return "Returned"
	default:
		return "Unknown"
	}
}

// Info holds the named fields of a hardware source packet. Only the fields
// relevant to Kind are set.
type Info struct {
	Kind Kind `msgpack:"kind"`

	Counters EventCounters `msgpack:"counters,omitempty"`

	ExceptionNum uint16      `msgpack:"exc_num,omitempty"`
	ExceptionFn  ExceptionFn `msgpack:"exc_fn,omitempty"`

	// PC is the sampled or matched program counter.
	PC uint32 `msgpack:"pc,omitempty"`
	// SleepProhibited is set for a 1 byte PC sample of 0xFF.
	SleepProhibited bool `msgpack:"sleep_prohibited,omitempty"`

	PMUOverflow uint8 `msgpack:"pmu_ovf,omitempty"`

	Comparator uint8  `msgpack:"comparator,omitempty"`
	Address    uint32 `msgpack:"address,omitempty"`
	Value      uint32 `msgpack:"value,omitempty"`
	Size       uint8  `msgpack:"size,omitempty"`
	Write      bool   `msgpack:"write,omitempty"`
}

// Interpret decodes a hardware source payload of size bytes with the given discriminator.
func Interpret(disc uint8, value uint32, size uint8) Info {
	info := Info{Size: size}

	switch {
	case disc == 0 && size == 1:
		info.Kind = KindEventCounter
		info.Counters = EventCounters(value & 0x3F)

	case disc == 1 && size == 2:
		info.Kind = KindException
		info.ExceptionNum = uint16(value & 0x1FF)
		info.ExceptionFn = ExceptionFn((value >> 12) & 0x3)

	case disc == 2 && size == 1:
		info.Kind = KindSleep
		info.SleepProhibited = value&0xFF == 0xFF

	case disc == 2 && size == 4:
		info.Kind = KindPCSample
		info.PC = value

	case disc == 3 && size == 1:
		info.Kind = KindPMUOverflow
		info.PMUOverflow = uint8(value)

	case disc >= 8 && disc <= 15:
		info.Comparator = (disc >> 1) & 0x3
		if disc&0x1 == 0 {
			if size == 1 {
				info.Kind = KindDataTraceMatch
				info.Value = value
			} else {
				info.Kind = KindDataTracePC
				info.PC = value
			}
		} else {
			info.Kind = KindDataTraceAddress
			info.Address = value
		}

	case disc >= 16 && disc <= 23:
		info.Kind = KindDataTraceValue
		info.Comparator = (disc >> 1) & 0x3
		info.Write = disc&0x1 != 0
		info.Value = value

	default:
		info.Kind = KindUnknown
		info.Value = value
	}
	return info
}

func (i Info) String() string {
	switch i.Kind {
	case KindEventCounter:
		return fmt.Sprintf("%s : %s", i.Kind, i.Counters)
	case KindException:
		return fmt.Sprintf("%s : Exception Num %03d %s", i.Kind, i.ExceptionNum, i.ExceptionFn)
	case KindPCSample:
		return fmt.Sprintf("%s : PC = 0x%08X", i.Kind, i.PC)
	case KindSleep:
		if i.SleepProhibited {
			return fmt.Sprintf("%s : sample prohibited", i.Kind)
		}
		return fmt.Sprintf("%s : core asleep", i.Kind)
	case KindPMUOverflow:
		return fmt.Sprintf("%s : counters 0x%02X", i.Kind, i.PMUOverflow)
	case KindDataTracePC:
		return fmt.Sprintf("%s : Cmp %d; PC = 0x%08X", i.Kind, i.Comparator, i.PC)
	case KindDataTraceMatch:
		return fmt.Sprintf("%s : Cmp %d", i.Kind, i.Comparator)
	case KindDataTraceAddress:
		return fmt.Sprintf("%s : Cmp %d; Addr = 0x%04X", i.Kind, i.Comparator, i.Address)
	case KindDataTraceValue:
		op := "Read"
		if i.Write {
			op = "Write"
		}
		return fmt.Sprintf("%s : Cmp %d; Data = 0x%0*X (%s)", i.Kind, i.Comparator, int(i.Size)*2, i.Value, op)
	default:
		return fmt.Sprintf("%s : Size %d; Data = 0x%08X", i.Kind, i.Size, i.Value)
	}
}
