// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package process

import "errors"

func syscallGetpgid() (int, error) {
	return 0, errors.New("process groups are not supported")
}

func syscallKillGroup(int) error { return nil }
