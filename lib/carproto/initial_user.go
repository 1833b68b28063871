// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carproto

import (
	"fmt"

	"github.com/bureau-foundation/carhelper/lib/codec"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// RequestType tells the vehicle why the boot user is being asked for.
type RequestType int32

const (
	RequestFirstBoot         RequestType = 1
	RequestFirstBootAfterOTA RequestType = 2
	RequestColdBoot          RequestType = 3
)

func (r RequestType) String() string {
	switch r {
	case RequestFirstBoot:
		return "FIRST_BOOT"
	case RequestFirstBootAfterOTA:
		return "FIRST_BOOT_AFTER_OTA"
	case RequestColdBoot:
		return "COLD_BOOT"
	default:
		return fmt.Sprintf("REQUEST_TYPE(%d)", int32(r))
	}
}

// StatusOK is the result status that makes a reply bundle meaningful.
const StatusOK int32 = 1

// Action values carried in the reply bundle.
const (
	ActionDefault int32 = 0
	ActionSwitch  int32 = 1
	ActionCreate  int32 = 2
)

// InitialUserInfo is the reply bundle of get_initial_user_info.
// Pointer fields distinguish "absent" from zero.
type InitialUserInfo struct {
	Action    *int32  `cbor:"action,omitempty"`
	UserID    *int32  `cbor:"user_id,omitempty"`
	UserName  *string `cbor:"user_name,omitempty"`
	UserFlags *uint32 `cbor:"user_flags,omitempty"`
}

// ReplyKind is the interpreted form of a boot-policy reply.
type ReplyKind int

const (
	ReplyInvalid ReplyKind = iota
	ReplyDefault
	ReplySwitch
	ReplyCreate
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyDefault:
		return "default"
	case ReplySwitch:
		return "switch"
	case ReplyCreate:
		return "create"
	default:
		return "invalid"
	}
}

// BootPolicyReply is what the boot-policy executor acts on.
//
// TargetUser is set for ReplySwitch. Name and Flags are set for
// ReplyCreate. Reason explains a ReplyInvalid.
type BootPolicyReply struct {
	Kind       ReplyKind
	TargetUser user.ID
	Name       string
	Flags      user.Flags
	Reason     string
}

// InvalidReply builds a ReplyInvalid with the given reason.
func InvalidReply(format string, args ...any) BootPolicyReply {
	return BootPolicyReply{Kind: ReplyInvalid, TargetUser: user.NullID, Reason: fmt.Sprintf(format, args...)}
}

// ParseInitialUserInfo interprets a raw result delivered to a sink.
// data is the CBOR bundle and may be empty.
func ParseInitialUserInfo(status int32, data []byte) BootPolicyReply {
	if status != StatusOK {
		return InvalidReply("result status %d is not OK", status)
	}
	if len(data) == 0 {
		return InvalidReply("null bundle")
	}
	var bundle InitialUserInfo
	if err := codec.Unmarshal(data, &bundle); err != nil {
		return InvalidReply("malformed bundle: %v", err)
	}
	return bundle.Interpret()
}

// Interpret validates the bundle fields against its action.
func (b InitialUserInfo) Interpret() BootPolicyReply {
	if b.Action == nil {
		return InvalidReply("missing action")
	}
	switch *b.Action {
	case ActionDefault:
		return BootPolicyReply{Kind: ReplyDefault, TargetUser: user.NullID}
	case ActionSwitch:
		if b.UserID == nil {
			return InvalidReply("switch without user_id")
		}
		return BootPolicyReply{Kind: ReplySwitch, TargetUser: user.ID(*b.UserID)}
	case ActionCreate:
		if b.UserName == nil || *b.UserName == "" {
			return InvalidReply("create without user_name")
		}
		if b.UserFlags == nil {
			return InvalidReply("create without user_flags")
		}
		return BootPolicyReply{
			Kind:       ReplyCreate,
			TargetUser: user.NullID,
			Name:       *b.UserName,
			Flags:      user.Flags(*b.UserFlags),
		}
	default:
		return InvalidReply("unknown action %d", *b.Action)
	}
}
