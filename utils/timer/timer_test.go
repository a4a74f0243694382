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

package timer

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTimer(t *testing.T) {
	Convey("test timer", t, func() {
		t := NewTimer()
		So(t.ToMap(), ShouldBeEmpty)

		time.Sleep(time.Millisecond * 50)
		t.Add("granted")

		time.Sleep(time.Millisecond * 100)
		t.Add("released")

		m := t.ToMap()
		So(m, ShouldHaveLength, 3)
		So(m, ShouldContainKey, "granted")
		So(m, ShouldContainKey, "released")
		So(m["granted"], ShouldBeGreaterThanOrEqualTo, time.Millisecond*50)
		So(m["released"], ShouldBeGreaterThanOrEqualTo, time.Millisecond*100)
		So(m["total"], ShouldBeGreaterThanOrEqualTo, time.Millisecond*150)
		So(t.Elapsed(), ShouldBeGreaterThanOrEqualTo, m["total"])

		f := t.ToLogFields()
		So(f, ShouldHaveLength, 3)
		So(f, ShouldContainKey, "1#granted")
		So(f, ShouldContainKey, "2#released")
		So(f["1#granted"], ShouldEqual, float64(m["granted"].Nanoseconds())/1000)
		So(f["total"], ShouldEqual, float64(m["total"].Nanoseconds())/1000)
	})
}
