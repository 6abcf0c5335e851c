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

package serverutil

import (
	"os"

	"github.com/blendle/zapdriver"
	"go.uber.org/zap"
)

// GetLogging returns a human readable development logger, or a structured
// logger in Cloud Logging format when running on cloud.
func GetLogging(onCloud bool) (*zap.Logger, error) {
	if !onCloud {
		z, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		z = z.With(zap.String("env", "dev"))
		return z, nil
	}
	z, err := zapdriver.NewProduction()
	if err != nil {
		return nil, err
	}
	return z.With(zapdriver.ServiceContext(os.Getenv("K_SERVICE")),
		zap.String("revision", os.Getenv("K_REVISION"))), nil
}
