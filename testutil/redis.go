// Copyright 2021 Ahmet Alp Balkan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testutil has helpers shared by tests.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// MockRedis returns a client connected to an in-memory redis server that is
// shut down when the test ends.
func MockRedis(t *testing.T) *redis.Client {
	t.Helper()
	_, rc := MockRedisServer(t)
	return rc
}

// MockRedisServer is like MockRedis but also returns the server, for tests
// that need to inspect keys or move its clock.
func MockRedisServer(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	rs, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rs.Close() })
	rc := redis.NewClient(&redis.Options{
		Addr: rs.Addr(),
	})
	t.Cleanup(func() { rc.Close() })
	return rs, rc
}
