// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostapi connects the car helper bridge to the host platform.
//
// The host owns user accounts, activity control, device policy, and
// window placement. [Client] reaches them through the host's
// collaborator socket and implements every collaborator interface of
// [carhelper.Service]. In the other direction, [Register] installs the
// actions the host calls on the bridge's callback socket: boot phases,
// user lifecycle callbacks, and state dumps.
//
// Both sockets use the carsocket request/response envelope.
package hostapi

import (
	"context"

	"github.com/bureau-foundation/carhelper/lib/carhelper"
	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// Collaborator action names served by the host.
const (
	ActionUsersList              = "users.list"
	ActionUsersCreate            = "users.create"
	ActionUsersPreCreate         = "users.precreate"
	ActionUsersRemove            = "users.remove"
	ActionUsersSetDefaultIcon    = "users.set_default_icon"
	ActionUsersHeadless          = "users.headless_system_user_mode"
	ActionActivityStartFG        = "activity.start_foreground"
	ActionActivityStartBG        = "activity.start_background"
	ActionActivityUnlock         = "activity.unlock"
	ActionHelperInitialUser      = "helper.initial_user"
	ActionHelperSetLastActive    = "helper.set_last_active_user"
	ActionPolicyProvisioning     = "policy.provisioning_state"
	ActionSystemIsUpgrading      = "system.is_upgrading"
	ActionLaunchInit             = "launch.init"
	ActionLaunchUserSwitching    = "launch.user_switching"
	ActionLaunchUserStopped      = "launch.user_stopped"
	ActionLaunchDisplayWhitelist = "launch.display_whitelist"
	ActionLaunchPassengers       = "launch.passenger_displays"
)

// UsersResponse is the reply to users.list.
type UsersResponse struct {
	Users []user.Info `cbor:"users"`
}

// UserResponse is the reply to users.create and users.precreate.
type UserResponse struct {
	User user.Info `cbor:"user"`
}

// BoolResponse carries a yes/no answer or a start/unlock result.
type BoolResponse struct {
	Value bool `cbor:"value"`
}

// UserIDResponse is the reply to helper.initial_user.
type UserIDResponse struct {
	UserID int32 `cbor:"user_id"`
}

// ProvisioningResponse is the reply to policy.provisioning_state.
type ProvisioningResponse struct {
	State int32 `cbor:"state"`
}

// Client calls the host's collaborator socket.
type Client struct {
	client *carsocket.Client
}

// NewClient returns a Client for the host socket at socketPath. No
// connection is made until the first call.
func NewClient(socketPath string) *Client {
	return &Client{client: carsocket.NewClient(socketPath)}
}

var (
	_ carhelper.UserManager        = (*Client)(nil)
	_ carhelper.ActivityController = (*Client)(nil)
	_ carhelper.UserHelper         = (*Client)(nil)
	_ carhelper.DevicePolicy       = (*Client)(nil)
	_ carhelper.SystemInfo         = (*Client)(nil)
	_ carhelper.LaunchParams       = (*Client)(nil)
)

func (c *Client) Users(ctx context.Context, includePrecreated bool) ([]user.Info, error) {
	var response UsersResponse
	err := c.client.Call(ctx, ActionUsersList, map[string]any{"include_precreated": includePrecreated}, &response)
	return response.Users, err
}

func (c *Client) CreateUser(ctx context.Context, name string, flags user.Flags) (user.Info, error) {
	var response UserResponse
	err := c.client.Call(ctx, ActionUsersCreate, map[string]any{"name": name, "flags": uint32(flags)}, &response)
	return response.User, err
}

func (c *Client) PreCreateUser(ctx context.Context, guest bool) (user.Info, error) {
	var response UserResponse
	err := c.client.Call(ctx, ActionUsersPreCreate, map[string]any{"guest": guest}, &response)
	return response.User, err
}

func (c *Client) RemoveUser(ctx context.Context, id user.ID) error {
	return c.client.Call(ctx, ActionUsersRemove, map[string]any{"user_id": int32(id)}, nil)
}

func (c *Client) SetDefaultIcon(ctx context.Context, id user.ID) error {
	return c.client.Call(ctx, ActionUsersSetDefaultIcon, map[string]any{"user_id": int32(id)}, nil)
}

func (c *Client) HeadlessSystemUserMode(ctx context.Context) (bool, error) {
	return c.boolCall(ctx, ActionUsersHeadless, nil)
}

func (c *Client) StartUserInForeground(ctx context.Context, id user.ID) (bool, error) {
	return c.boolCall(ctx, ActionActivityStartFG, map[string]any{"user_id": int32(id)})
}

func (c *Client) StartUserInBackground(ctx context.Context, id user.ID) (bool, error) {
	return c.boolCall(ctx, ActionActivityStartBG, map[string]any{"user_id": int32(id)})
}

func (c *Client) UnlockUser(ctx context.Context, id user.ID) (bool, error) {
	return c.boolCall(ctx, ActionActivityUnlock, map[string]any{"user_id": int32(id)})
}

func (c *Client) InitialUser(ctx context.Context) (user.ID, error) {
	response := UserIDResponse{UserID: int32(user.NullID)}
	if err := c.client.Call(ctx, ActionHelperInitialUser, nil, &response); err != nil {
		return user.NullID, err
	}
	return user.ID(response.UserID), nil
}

func (c *Client) SetLastActiveUser(ctx context.Context, id user.ID) error {
	return c.client.Call(ctx, ActionHelperSetLastActive, map[string]any{"user_id": int32(id)}, nil)
}

func (c *Client) ProvisioningState(ctx context.Context) (carhelper.ProvisioningState, error) {
	var response ProvisioningResponse
	err := c.client.Call(ctx, ActionPolicyProvisioning, nil, &response)
	return carhelper.ProvisioningState(response.State), err
}

func (c *Client) IsUpgrading(ctx context.Context) (bool, error) {
	return c.boolCall(ctx, ActionSystemIsUpgrading, nil)
}

func (c *Client) Init(ctx context.Context) error {
	return c.client.Call(ctx, ActionLaunchInit, nil, nil)
}

func (c *Client) UserSwitching(ctx context.Context, id user.ID) error {
	return c.client.Call(ctx, ActionLaunchUserSwitching, map[string]any{"user_id": int32(id)}, nil)
}

func (c *Client) UserStopped(ctx context.Context, id user.ID) error {
	return c.client.Call(ctx, ActionLaunchUserStopped, map[string]any{"user_id": int32(id)}, nil)
}

func (c *Client) SetDisplayWhitelistForUser(ctx context.Context, id user.ID, displayIDs []int32) error {
	return c.client.Call(ctx, ActionLaunchDisplayWhitelist, map[string]any{
		"user_id":     int32(id),
		"display_ids": displayIDs,
	}, nil)
}

func (c *Client) SetPassengerDisplays(ctx context.Context, displayIDs []int32) error {
	return c.client.Call(ctx, ActionLaunchPassengers, map[string]any{"display_ids": displayIDs}, nil)
}

func (c *Client) boolCall(ctx context.Context, action string, fields map[string]any) (bool, error) {
	var response BoolResponse
	if err := c.client.Call(ctx, action, fields, &response); err != nil {
		return false, err
	}
	return response.Value, nil
}
