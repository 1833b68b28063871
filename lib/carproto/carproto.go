// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package carproto defines the calls the car helper makes on the car
// service and the reply bundle of the boot-policy query.
//
// Every outbound call is a one-way transaction identified by an
// [Opcode]. Its payload is a parcel: a CBOR array whose first element
// is [InterfaceToken] followed by the call's arguments in declaration
// order. The car service rejects parcels whose token does not match.
//
// Opcode numbering follows the car service's interface definition and
// must not be reordered.
package carproto

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/carhelper/lib/codec"
)

// InterfaceToken is written at the start of every parcel.
const InterfaceToken = "car.ICar"

// Opcode identifies an outbound call.
type Opcode uint32

// FirstCallTransaction is the base of the opcode numbering.
const FirstCallTransaction Opcode = 1

const (
	OpSetCarServiceHelper Opcode = FirstCallTransaction + iota
	OpSetUserLockStatus
	OpOnSwitchUser
	OpOnUserLifecycle
	OpFirstUserUnlocked
	OpGetInitialUserInfo
	OpSetInitialUser
)

var opcodeNames = map[Opcode]string{
	OpSetCarServiceHelper: "set_car_service_helper",
	OpSetUserLockStatus:   "set_user_lock_status",
	OpOnSwitchUser:        "on_switch_user",
	OpOnUserLifecycle:     "on_user_lifecycle",
	OpFirstUserUnlocked:   "first_user_unlocked",
	OpGetInitialUserInfo:  "get_initial_user_info",
	OpSetInitialUser:      "set_initial_user",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint32(op))
}

// ErrInterfaceMismatch is returned by Decode when a parcel does not
// start with InterfaceToken.
var ErrInterfaceMismatch = errors.New("carproto: interface token mismatch")

// SinkID names a one-shot result receiver registered by the helper.
// The car service answers by invoking the helper's send_result action
// with the same id.
type SinkID uint64

// SetCarServiceHelper hands the car service the helper socket it
// calls back into. The service returns its own client socket through
// ResultSink.
type SetCarServiceHelper struct {
	_            struct{} `cbor:",toarray"`
	Token        string
	HelperSocket string
	ResultSink   SinkID
}

// SetUserLockStatus reports a user's lock state. Unlocked is 1 or 0.
type SetUserLockStatus struct {
	_        struct{} `cbor:",toarray"`
	Token    string
	UserID   int32
	Unlocked int32
}

// OnSwitchUser reports the user being switched to.
type OnSwitchUser struct {
	_      struct{} `cbor:",toarray"`
	Token  string
	UserID int32
}

// OnUserLifecycle reports one lifecycle transition.
type OnUserLifecycle struct {
	_           struct{} `cbor:",toarray"`
	Token       string
	EventType   int32
	TimestampMs int64
	FromID      int32
	ToID        int32
}

// FirstUserUnlocked is the once-per-process report of the first
// non-system user reaching the unlocked state, with boot timing.
type FirstUserUnlocked struct {
	_                    struct{} `cbor:",toarray"`
	Token                string
	UserID               int32
	TimestampMs          int64
	DurationSinceStartMs int64
	HALResponseTimeMs    int32
}

// GetInitialUserInfo asks the vehicle for the boot user. The reply
// arrives on ResultSink as an [InitialUserInfo] bundle.
type GetInitialUserInfo struct {
	_           struct{} `cbor:",toarray"`
	Token       string
	RequestType int32
	TimeoutMs   int32
	ResultSink  SinkID
}

// SetInitialUser tells the car service which user the boot policy
// brought to the foreground.
type SetInitialUser struct {
	_      struct{} `cbor:",toarray"`
	Token  string
	UserID int32
}

// Encode marshals a parcel. The caller leaves Token empty; Encode
// fills it in so that no call site can forget it.
func Encode(parcel any) ([]byte, error) {
	switch p := parcel.(type) {
	case *SetCarServiceHelper:
		p.Token = InterfaceToken
	case *SetUserLockStatus:
		p.Token = InterfaceToken
	case *OnSwitchUser:
		p.Token = InterfaceToken
	case *OnUserLifecycle:
		p.Token = InterfaceToken
	case *FirstUserUnlocked:
		p.Token = InterfaceToken
	case *GetInitialUserInfo:
		p.Token = InterfaceToken
	case *SetInitialUser:
		p.Token = InterfaceToken
	default:
		return nil, fmt.Errorf("carproto: unsupported parcel type %T", parcel)
	}
	return codec.Marshal(parcel)
}

// Decode unmarshals a parcel and enforces the interface token. Used
// by the car service side and by tests that stand in for it.
func Decode(data []byte, parcel any) error {
	var header []codec.RawMessage
	if err := codec.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("carproto: decoding parcel: %w", err)
	}
	if len(header) == 0 {
		return ErrInterfaceMismatch
	}
	var token string
	if err := codec.Unmarshal(header[0], &token); err != nil || token != InterfaceToken {
		return ErrInterfaceMismatch
	}
	if err := codec.Unmarshal(data, parcel); err != nil {
		return fmt.Errorf("carproto: decoding parcel: %w", err)
	}
	return nil
}
