// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockdev

import (
	"testing"

	test "github.com/westerndigitalcorporation/raid10/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}
