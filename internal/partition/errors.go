// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package partition

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is matched by every *KeyNotFoundError.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyAlreadyExists is matched by every *KeyAlreadyExistsError.
	ErrKeyAlreadyExists = errors.New("key already exists")

	ErrClosed        = errors.New("partition closed")
	ErrReadOnly      = errors.New("partition opened read-only")
	ErrInvalidKey    = errors.New("invalid key")
	ErrValueTooLarge = errors.New("value too large")
)

type KeyNotFoundError struct {
	Name string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %q not found", e.Name)
}

func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

type KeyAlreadyExistsError struct {
	Name string
}

func (e *KeyAlreadyExistsError) Error() string {
	return fmt.Sprintf("key %q already exists", e.Name)
}

func (e *KeyAlreadyExistsError) Is(target error) bool {
	return target == ErrKeyAlreadyExists
}
