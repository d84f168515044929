// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication: follows a leader's replication stream as a replica
// would and hands every propagated command to the caller.
//
// The handshake is PING, REPLCONF listening-port/ip-address/capa psync2 and
// PSYNC <replid> <offset>. A full resync answers +FULLRESYNC <replid>
// <offset> and then sends the RDB snapshot as $<len>\r\n<bytes> with no
// trailing CRLF. A partial resync answers +CONTINUE. Either way the
// command stream that follows is a plain sequence of request arrays.
//
// The leader asks for the processed offset with REPLCONF GETACK *; the
// replica answers, and also volunteers, REPLCONF ACK <offset>.
package replication
