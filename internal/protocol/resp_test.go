package protocol

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]string{
		{"PING"},
		{"SET", "foo", "bar"},
		{"REPLCONF", "GETACK", "*"},
		{"ECHO", strings.Repeat("x", 250)},
	}
	for _, argv := range cases {
		encoded := Encode(argv)
		r := bufio.NewReader(bytes.NewReader(encoded))
		cmd, err := Decode(r)
		require.NoError(t, err)
		require.Equal(t, argv, cmd.Argv)
		require.Equal(t, len(encoded), cmd.ByteSize)
	}
}

func TestGetAckByteSizeIsThirtySeven(t *testing.T) {
	encoded := Encode([]string{"REPLCONF", "GETACK", "*"})
	require.Equal(t, 37, len(encoded))
}

func TestDecodeRejectsOversizedArray(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("*101\r\n"))
	_, err := Decode(r)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeRejectsOversizedBulkLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("*1\r\n$301\r\n"))
	_, err := Decode(r)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeRejectsMissingDelimiter(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("*1\r\n$3\r\nbarXX"))
	_, err := Decode(r)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRawBulkStringHasNoTrailingDelimiter(t *testing.T) {
	payload := []byte("hello")
	wire := append([]byte("$5\r\n"), payload...)
	r := bufio.NewReader(bytes.NewReader(wire))
	got, err := DecodeRawBulkString(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEncodeSimpleStringAndError(t *testing.T) {
	require.Equal(t, "+PONG\r\n", string(EncodeSimpleString("PONG")))
	require.Equal(t, "-boom\r\n", string(EncodeError("boom")))
	require.Equal(t, ":42\r\n", string(EncodeInteger(42)))
	require.Equal(t, "$-1\r\n", string(EncodeNullBulkString()))
}
