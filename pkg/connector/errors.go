// matrix-connector - A Matrix event connector for conversational agent runtimes.
// Copyright (C) 2026 The matrix-connector authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"errors"
	"fmt"
)

var (
	ErrUnresolvableLocator = errors.New("content locator did not resolve to a download URL")
	ErrFetchTimeout        = errors.New("media download timed out")
	ErrMediaTooLarge       = errors.New("media exceeds download size limit")
	ErrUpstreamStatus      = errors.New("unexpected status from media server")

	ErrDecryptionUnavailable = errors.New("no decrypted content available")
	ErrUnsupportedEventKind  = errors.New("unsupported event kind")

	errNotLoggedIn = errors.New("not logged in")
)

func upstreamStatusError(statusCode int) error {
	return fmt.Errorf("%w: HTTP %d", ErrUpstreamStatus, statusCode)
}
