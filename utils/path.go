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

package utils

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// sqliteSidecarSuffixes are the files sqlite keeps next to a database in WAL mode.
var sqliteSidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// HomeDirExpand tries to expand the tilde (~) in the front of a path
// to a fullpath directory.
func HomeDirExpand(path string) string {
	usr, err := user.Current()
	if err != nil {
		return path
	}

	if path == "~" {
		return usr.HomeDir
	} else if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, strings.TrimPrefix(path, "~/"))
	}

	return path
}

// Exist return if file or path is exist.
func Exist(path string) bool {
	_, err := os.Stat(path)
	return err == nil || os.IsExist(err)
}

// RemoveDatabaseFiles removes a sqlite database file along with its WAL, shared memory and
// rollback journal files. Missing files are ignored.
func RemoveDatabaseFiles(path string) (err error) {
	files := []string{path}
	for _, s := range sqliteSidecarSuffixes {
		files = append(files, path+s)
	}
	for _, f := range files {
		if err = os.Remove(f); err != nil && !os.IsNotExist(err) {
			return
		}
	}
	return nil
}
