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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveImageMime(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		fileName string
		expected string
	}{
		{"DeclaredWins", "image/webp", "photo.png", "image/webp"},
		{"ExtensionJPG", "", "photo.jpg", "image/jpeg"},
		{"ExtensionJPEG", "", "photo.JPEG", "image/jpeg"},
		{"ExtensionPNG", "", "screenshot.png", "image/png"},
		{"ExtensionGIF", "", "anim.gif", "image/gif"},
		{"ExtensionWebP", "", "pic.webp", "image/webp"},
		{"ExtensionBMP", "", "old.bmp", "image/bmp"},
		{"ExtensionSVG", "", "icon.svg", "image/svg+xml"},
		{"UnknownExtension", "", "photo.heic", "image/jpeg"},
		{"NoExtension", "", "photo", "image/jpeg"},
		{"EmptyFileName", "", "", "image/jpeg"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, resolveImageMime(test.declared, test.fileName))
		})
	}
}
