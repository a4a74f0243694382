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
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestHomeDirExpand(t *testing.T) {
	Convey("expand ~ dir", t, func() {
		usr, err := user.Current()
		So(err, ShouldBeNil)

		homeDir := HomeDirExpand("~")
		So(homeDir, ShouldEqual, usr.HomeDir)

		fullFilepathWithHome := HomeDirExpand("~/.local")
		So(fullFilepathWithHome, ShouldEqual, usr.HomeDir+"/.local")

		fullFilepathRaw := HomeDirExpand("/dev/null")
		So(fullFilepathRaw, ShouldEqual, "/dev/null")

		emptyPath := HomeDirExpand("")
		So(emptyPath, ShouldEqual, "")
	})
}

func TestExist(t *testing.T) {
	Convey("path exist or not", t, func() {
		So(Exist("/tmp/anemptypathshouldnotexist"), ShouldEqual, false)
		So(Exist("/"), ShouldEqual, true)
		So(Exist("/dev/null"), ShouldEqual, true)
	})
}

func TestRemoveDatabaseFiles(t *testing.T) {
	Convey("Given a database with sidecar files", t, func() {
		dir, err := ioutil.TempDir("", "litepool-utils-")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		db := filepath.Join(dir, "main.db")
		for _, f := range []string{db, db + "-wal", db + "-shm"} {
			So(ioutil.WriteFile(f, []byte("x"), 0600), ShouldBeNil)
		}
		So(ioutil.WriteFile(filepath.Join(dir, "other.db"), []byte("x"), 0600), ShouldBeNil)

		So(RemoveDatabaseFiles(db), ShouldBeNil)
		So(Exist(db), ShouldBeFalse)
		So(Exist(db+"-wal"), ShouldBeFalse)
		So(Exist(db+"-shm"), ShouldBeFalse)
		So(Exist(filepath.Join(dir, "other.db")), ShouldBeTrue)

		Convey("Removing again should be a no-op", func() {
			So(RemoveDatabaseFiles(db), ShouldBeNil)
		})
	})
}
