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

package caseflow

import (
	"errors"
	"fmt"

	"github.com/blnkfinance/caseflow/config"
)

// FailureClass says whether a failed message is worth another attempt.
type FailureClass int

const (
	NonRetryable FailureClass = iota
	Retryable
)

func (c FailureClass) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "non_retryable"
}

// statusCoder is implemented by failures that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// PanicError wraps a value recovered from a panicking downstream call.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("downstream processing panicked: %v", e.Value)
}

// FailureClassifier decides retryability from the HTTP status a failure
// carries. Failures without a status fail closed as NonRetryable.
//
// 401 is in the default retryable set on purpose: the upstream token cache
// occasionally serves expired tokens and a later attempt succeeds.
type FailureClassifier struct {
	retryable map[int]struct{}
}

func NewFailureClassifier(retryableStatuses []int) FailureClassifier {
	set := make(map[int]struct{}, len(retryableStatuses))
	for _, s := range retryableStatuses {
		set[s] = struct{}{}
	}
	return FailureClassifier{retryable: set}
}

func DefaultFailureClassifier() FailureClassifier {
	return NewFailureClassifier(config.DefaultRetryableStatuses)
}

// Classify returns the class of err and the status it carried, or 0.
func (c FailureClassifier) Classify(err error) (FailureClass, int) {
	var sc statusCoder
	if err == nil || !errors.As(err, &sc) {
		return NonRetryable, 0
	}
	status := sc.StatusCode()
	if _, ok := c.retryable[status]; ok {
		return Retryable, status
	}
	return NonRetryable, status
}
