// Copyright 2025 UMH Systems GmbH
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

package postgresql

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/omeid/pgerror"
	"go.uber.org/zap"
)

// asPQError converts pgx server errors to *pq.Error, so both drivers share the pgerror classification.
func asPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &pq.Error{
			Code:     pq.ErrorCode(pgErr.Code),
			Message:  pgErr.Message,
			Detail:   pgErr.Detail,
			Severity: pgErr.Severity,
		}
	}
	return err
}

// IsConnectionProblem reports whether err means the database could not be reached,
// as opposed to a problem with a single statement.
func IsConnectionProblem(err error) bool {
	if err == nil {
		return false
	}
	e := asPQError(err)
	if pgerror.ConnectionException(e) != nil ||
		pgerror.ConnectionDoesNotExist(e) != nil ||
		pgerror.ConnectionFailure(e) != nil ||
		pgerror.SQLclientUnableToEstablishSQLconnection(e) != nil ||
		pgerror.AdminShutdown(e) != nil ||
		pgerror.CannotConnectNow(e) != nil {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func logError(op string, err error) {
	e := asPQError(err)
	switch {
	case IsConnectionProblem(err):
		zap.S().Errorw("PostgreSQL failed: connection problem", "op", op, "error", err)
	case pgerror.UndefinedTable(e) != nil:
		zap.S().Errorw("PostgreSQL failed: table missing, was the schema applied?", "op", op, "error", err)
	case pgerror.QueryCanceled(e) != nil:
		zap.S().Warnw("PostgreSQL query canceled", "op", op, "error", err)
	default:
		zap.S().Warnw("PostgreSQL failed", "op", op, "error", err)
	}
}
