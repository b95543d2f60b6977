package state

import "fmt"

type MessageKind uint8

const (
	KindTree MessageKind = iota + 1
	KindBootstrap
	KindBootstrapAck
	KindSetup
	KindTeardown
	KindPathNotify
	KindPathLookup
	KindPathResponse
	KindTraffic
)

func (k MessageKind) String() string {
	switch k {
	case KindTree:
		return "Tree"
	case KindBootstrap:
		return "Bootstrap"
	case KindBootstrapAck:
		return "BootstrapAck"
	case KindSetup:
		return "Setup"
	case KindTeardown:
		return "Teardown"
	case KindPathNotify:
		return "PathNotify"
	case KindPathLookup:
		return "PathLookup"
	case KindPathResponse:
		return "PathResponse"
	case KindTraffic:
		return "Traffic"
	}
	return fmt.Sprintf("MessageKind(%d)", uint8(k))
}

// Message is one of the records exchanged between peers.
type Message interface {
	Kind() MessageKind
	AppendWire(b []byte) []byte
	UnmarshalWire(b []byte) error
	message()
}

func (*TreeInfo) Kind() MessageKind     { return KindTree }
func (*Bootstrap) Kind() MessageKind    { return KindBootstrap }
func (*BootstrapAck) Kind() MessageKind { return KindBootstrapAck }
func (*Setup) Kind() MessageKind        { return KindSetup }
func (*Teardown) Kind() MessageKind     { return KindTeardown }
func (*PathNotify) Kind() MessageKind   { return KindPathNotify }
func (*PathLookup) Kind() MessageKind   { return KindPathLookup }
func (*PathResponse) Kind() MessageKind { return KindPathResponse }
func (*Traffic) Kind() MessageKind      { return KindTraffic }

func (*TreeInfo) message()     {}
func (*Bootstrap) message()    {}
func (*BootstrapAck) message() {}
func (*Setup) message()        {}
func (*Teardown) message()     {}
func (*PathNotify) message()   {}
func (*PathLookup) message()   {}
func (*PathResponse) message() {}
func (*Traffic) message()      {}

// NewMessage returns an empty record for kind.
func NewMessage(kind MessageKind) (Message, error) {
	switch kind {
	case KindTree:
		return &TreeInfo{}, nil
	case KindBootstrap:
		return &Bootstrap{}, nil
	case KindBootstrapAck:
		return &BootstrapAck{}, nil
	case KindSetup:
		return &Setup{}, nil
	case KindTeardown:
		return &Teardown{}, nil
	case KindPathNotify:
		return &PathNotify{}, nil
	case KindPathLookup:
		return &PathLookup{}, nil
	case KindPathResponse:
		return &PathResponse{}, nil
	case KindTraffic:
		return &Traffic{}, nil
	}
	return nil, fmt.Errorf("%w: unknown message kind %d", ErrMalformed, uint8(kind))
}
