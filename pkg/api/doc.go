// Package api is the HTTP surface: the auto-generated collection routes,
// session auth, the admin API for managing collections and security
// settings, the realtime WebSocket upgrade and Prometheus metrics.
//
// Every collection registered in the schema registry gets the same
// routes:
//
//	GET    /{collection}        list, filter via JSON query params
//	POST   /{collection}        create
//	GET    /{collection}/count  count matching documents
//	POST   /{collection}/query  list, filter in the body
//	GET    /{collection}/{id}   fetch one
//	PUT    /{collection}/{id}   merge-patch one
//	DELETE /{collection}/{id}   remove one
//
// The handlers only decode requests and render pipeline responses; all
// semantics live in pkg/pipeline.
package api
