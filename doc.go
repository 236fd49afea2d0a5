// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package capnweb implements a bidirectional capability-based RPC
// runtime speaking the Cap'n Web wire protocol: NDJSON frames carrying
// push/pull/resolve/reject/release/abort messages between two
// symmetric peers.
//
// # Architecture
//
//   - Session: one kernel per transport end. Owns the import and
//     export tables and the ID allocator, dispatches inbound messages
//     sequentially on a reader task, and writes through a bounded
//     outbound queue ([code.hybscloud.com/lfq] SPSC with
//     [code.hybscloud.com/iox] backoff at the boundary).
//   - Hooks: capability references are one of five hook variants
//     (error, payload, target, import, promise) behind the [StubHook]
//     interface. Stubs and promises are reference-counted handles.
//   - Pipelining: operations on an unresolved import compose new
//     pipelined imports instead of waiting; a [Batch] flushes a chain
//     of dependent calls as a single write.
//   - Remap: the restricted map sub-language executes a mapper body
//     per element on the exporting side, addressing captures, the
//     element, and earlier results by signed index.
//   - Transports: [Pipe] (in-memory pair), [WebSocketTransport], and
//     the HTTP batch client [HTTPBatchTransport] all satisfy the same
//     ordered-frame [Transport] contract. [BatchHandler] is the
//     http.Handler that serves HTTP batch requests.
//
// # Example
//
//	srv, cli := capnweb.Pipe()
//	server := capnweb.NewSession(srv, capnweb.MethodMap{
//		"add": func(ctx context.Context, args []any) (any, error) {
//			return args[0].(int64) + args[1].(int64), nil
//		},
//	})
//	defer server.Close()
//
//	client := capnweb.NewSession(cli, nil)
//	defer client.Close()
//
//	root := client.RootStub()
//	defer root.Dispose()
//	sum, _ := root.Call(capnweb.Path("add"), []any{5, 3}).Await(context.Background())
//	// sum == int64(8)
package capnweb
