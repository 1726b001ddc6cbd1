package rpc

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{ID: "1", Cmd: "ping"}
	require.NoError(t, writeFrame(&buf, req))

	var got Request
	require.NoError(t, readFrame(bufio.NewReader(&buf), &got))
	require.Equal(t, req, got)
}

func TestWriteFrameRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	huge := Request{ID: "1", Cmd: "ping", Args: []byte(`"` + strings.Repeat("x", MaxMessageSize+1) + `"`)}
	err := writeFrame(&buf, huge)
	require.Error(t, err)
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var req Request
	err := readFrame(bufio.NewReader(&buf), &req)
	require.Error(t, err)
}

func TestOKAndFail(t *testing.T) {
	resp := OK("1", map[string]string{"status": "ok"})
	require.Equal(t, StatusOK, resp.Status)

	fail := Fail("2", &testErr{})
	require.Equal(t, StatusError, fail.Status)
	require.Equal(t, "internal", fail.Error.Code)
}

type testErr struct{}

func (e *testErr) Error() string { return "boom" }
