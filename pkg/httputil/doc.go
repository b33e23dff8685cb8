// Package httputil provides standardized JSON responses, request parsing
// and the middleware stack (request id, logging, recovery, CORS).
//
// Handlers render every failure through WriteAppError so the error
// taxonomy in pkg/apperr is the single source of status codes and body
// shapes:
//
//	if err != nil {
//		httputil.WriteAppError(w, log, err)
//		return
//	}
package httputil
