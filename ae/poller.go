// Copyright (c) 2022 The rcproxy Authors
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

package ae

// interest describes which directions the poller should watch on a fd.
type interest uint8

const (
	interestRead interest = iota
	interestReadWrite
)

// dispatchFn is called once per ready descriptor discovered during a poll,
// with which directions are ready. It never fires for the internal wake
// pipe — that is drained and handled entirely inside the platform poller.
type dispatchFn func(fd int, readable, writable bool)
