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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStatementCount(t *testing.T) {
	Convey("Statements should be counted outside quotes and comments", t, func() {
		So(statementCount(""), ShouldEqual, 0)
		So(statementCount("  ;; "), ShouldEqual, 0)
		So(statementCount("SELECT 1"), ShouldEqual, 1)
		So(statementCount("SELECT 1;"), ShouldEqual, 1)
		So(statementCount("SELECT 1; "), ShouldEqual, 1)
		So(statementCount("SELECT 1; SELECT 2"), ShouldEqual, 2)
		So(statementCount("INSERT INTO t VALUES('a;b')"), ShouldEqual, 1)
		So(statementCount(`SELECT "x;y" FROM t`), ShouldEqual, 1)
		So(statementCount("SELECT [a;b] FROM t"), ShouldEqual, 1)
		So(statementCount("SELECT 'it''s; fine'"), ShouldEqual, 1)
		So(statementCount("SELECT 1 -- trailing; comment"), ShouldEqual, 1)
		So(statementCount("SELECT 1 /* ; */"), ShouldEqual, 1)
		So(statementCount("-- only a comment"), ShouldEqual, 0)
		So(statementCount("CREATE TABLE a(x);\nCREATE TABLE b(y);\n"), ShouldEqual, 2)
	})
}

func TestLeadingKeyword(t *testing.T) {
	Convey("The first word should be extracted", t, func() {
		So(leadingKeyword("  select 1"), ShouldEqual, "SELECT")
		So(leadingKeyword("BEGIN"), ShouldEqual, "BEGIN")
		So(leadingKeyword("\nbegin exclusive transaction"), ShouldEqual, "BEGIN")
		So(leadingKeyword(""), ShouldEqual, "")
		So(isBegin("Begin Transaction"), ShouldBeTrue)
		So(isBegin("BEGINNER"), ShouldBeFalse)
	})
}
