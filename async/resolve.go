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

package async

import (
	"net"

	pkgerrors "github.com/pkg/errors"
)

// resolveEndpoint turns a host into ("tcp4"/"tcp6", net.IP), preferring an
// IPv4 result when the host resolves to both families. net.LookupIP makes a
// single resolver call and returns every address family at once, so there
// is no per-family hints struct whose state could leak between lookups.
func resolveEndpoint(host string) (network string, ip net.IP, err error) {
	if parsed := net.ParseIP(host); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return "tcp4", v4, nil
		}
		return "tcp6", parsed, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return "", nil, pkgerrors.Wrapf(err, "resolve %s", host)
	}
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			return "tcp4", v4, nil
		}
	}
	for _, candidate := range ips {
		if candidate.To16() != nil {
			return "tcp6", candidate, nil
		}
	}
	return "", nil, pkgerrors.Errorf("no usable address for %s", host)
}
