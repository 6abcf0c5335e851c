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

package common

import (
	"github.com/shopspring/decimal"
)

// NormalizePrice returns p in canonical decimal form (no trailing zeros), or
// p unchanged if it is not a number.
func NormalizePrice(p string) string {
	if p == "" {
		return p
	}
	d, err := decimal.NewFromString(p)
	if err != nil {
		return p
	}
	return d.String()
}
