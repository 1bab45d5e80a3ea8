// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

package introspect

import (
	"encoding/xml"
	"fmt"
)

// Parse converts an introspection reply from XML to a structured value.
func Parse(content []byte) (Introspection, error) {
	var i Introspection
	if err := xml.Unmarshal(content, &i); err != nil {
		return Introspection{}, fmt.Errorf("introspect.Parse: %w", err)
	}
	return i, nil
}
