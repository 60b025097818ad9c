/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/blnkfinance/caseflow/internal/apierror"
	"github.com/lib/pq"
)

// unavailableClasses are the SQLSTATE prefixes raised when postgres cannot
// serve the request right now: connection exceptions, insufficient
// resources and operator intervention (admin shutdown, crash shutdown).
var unavailableClasses = []string{"08", "53", "57P"}

// classifyError turns a driver error into an APIError. Errors that are
// already classified are returned unchanged.
func classifyError(err error, message string) error {
	if err == nil {
		return nil
	}

	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return apierror.NewAPIError(apierror.ErrNotFound, message, err)
	}

	if isUnavailable(err) {
		return apierror.NewAPIError(apierror.ErrUnavailable, message, err)
	}

	return apierror.NewAPIError(apierror.ErrInternalServer, message, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		for _, class := range unavailableClasses {
			if strings.HasPrefix(string(pqErr.Code), class) {
				return true
			}
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
