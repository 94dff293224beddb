// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handlers

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// Office formats and a few other extensions that content sniffing reports as
// generic zip/octet-stream. The extension wins for these.
var extensionOverrides = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".ppt":  "application/vnd.ms-powerpoint",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
}

// DetectMime guesses a document's mime type from its name and leading bytes.
// The extension is consulted first so container formats (docx and friends,
// which are zip archives) don't collapse into application/zip.
func DetectMime(name string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := extensionOverrides[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	if len(data) > 0 {
		mt := http.DetectContentType(data)
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	return "application/octet-stream"
}

// findTitle pulls a display title out of parsed markdown: the first heading,
// or failing that the first non-empty line.
func findTitle(text string) string {
	var fallback string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
		if fallback == "" {
			fallback = line
		}
	}
	const maxTitle = 120
	if len(fallback) > maxTitle {
		fallback = fallback[:maxTitle]
	}
	return fallback
}
