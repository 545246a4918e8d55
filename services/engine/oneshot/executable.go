// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oneshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ResolveExecutable locates the engine binary inside the extension
// directory and makes sure it can be executed.
//
// Description:
//
//	Joins extensionDir and binary (a path relative to the extension, e.g.
//	"bin/whalelint"). PATH is never consulted. If the file exists but is not
//	executable for the current user, the executable bits are added.
//
// Inputs:
//
//	extensionDir - Installed extension root.
//	binary - Engine path relative to extensionDir. An absolute path is used
//	         as given.
//
// Outputs:
//
//	string - Absolute path to a runnable engine.
//	error - ErrBinaryNotFound or ErrNotExecutable.
func ResolveExecutable(extensionDir, binary string) (string, error) {
	if binary == "" {
		return "", fmt.Errorf("%w: empty binary path", ErrBinaryNotFound)
	}

	path := binary
	if !filepath.IsAbs(path) {
		path = filepath.Join(extensionDir, binary)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrBinaryNotFound, abs)
	}

	if err := ensureExecutable(abs, info.Mode()); err != nil {
		return "", err
	}
	return abs, nil
}

// ensureExecutable adds the executable bits when the platform reports the
// file as not runnable.
func ensureExecutable(path string, mode os.FileMode) error {
	if isExecutable(path, mode) {
		return nil
	}

	slog.Warn("Engine binary missing executable bit, fixing",
		slog.String("path", path),
		slog.String("mode", mode.Perm().String()),
	)

	if err := os.Chmod(path, mode.Perm()|0o111); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotExecutable, path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotExecutable, path, err)
	}
	if !isExecutable(path, info.Mode()) {
		return fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}
	return nil
}
