/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"strings"
	"unicode"
)

// statementCount returns the number of non-empty statements in query. Quoted strings,
// quoted identifiers and comments are skipped.
func statementCount(query string) (n int) {
	var (
		pending bool
		i       int
	)
	for i < len(query) {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			pending = true
			i = skipQuoted(query, i+1, c)
		case c == '[':
			pending = true
			i = skipQuoted(query, i+1, ']')
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			if j := strings.IndexByte(query[i:], '\n'); j >= 0 {
				i += j + 1
			} else {
				i = len(query)
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			if j := strings.Index(query[i+2:], "*/"); j >= 0 {
				i += j + 4
			} else {
				i = len(query)
			}
		case c == ';':
			if pending {
				n++
				pending = false
			}
			i++
		default:
			if !unicode.IsSpace(rune(c)) {
				pending = true
			}
			i++
		}
	}
	if pending {
		n++
	}
	return
}

// skipQuoted returns the index after the closing quote starting the search at i. A doubled
// quote is an escaped one.
func skipQuoted(query string, i int, quote byte) int {
	for i < len(query) {
		if query[i] == quote {
			if quote != ']' && i+1 < len(query) && query[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// leadingKeyword returns the upper-cased first word of query.
func leadingKeyword(query string) string {
	query = strings.TrimLeftFunc(query, unicode.IsSpace)
	end := strings.IndexFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if end < 0 {
		end = len(query)
	}
	return strings.ToUpper(query[:end])
}

func isBegin(query string) bool {
	return leadingKeyword(query) == "BEGIN"
}
