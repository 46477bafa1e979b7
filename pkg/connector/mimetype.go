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
	"path/filepath"
	"strings"
)

var imageExtensionToMime = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
}

const fallbackImageMime = "image/jpeg"

// resolveImageMime picks the mime type for an incoming image: the declared
// type if the event carries one, then the file extension, then image/jpeg
// as the conservative default.
func resolveImageMime(declared, fileName string) string {
	if declared != "" {
		return declared
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if mime, ok := imageExtensionToMime[ext]; ok {
		return mime
	}
	return fallbackImageMime
}
