// Package fstream is a streaming blob cache with content deduplication.
//
// A client pushes an arbitrarily large byte stream into the cache
// under a key of its choosing,
// and later retrieves it by that key
// or by the hash of its content.
// Either direction may use deflate compression on the wire;
// the cache always stores the canonical, uncompressed bytes.
//
// Uploads may be interrupted and resumed:
// the bytes received so far stay on disk
// and a later upload for the same key may continue at the position
// reported by HasStream.
// A blob becomes visible to readers only once it is complete
// and its content hash has been computed.
//
// Two uploads of identical content under different keys share one file.
// The second upload is recognized by its declared hash
// and no bytes are copied.
//
// The cache lives in package service.
// Package rpc carries it over gRPC,
// package durable describes the databases that hold blobs permanently,
// and package transfer moves bodies between the two.
package fstream
