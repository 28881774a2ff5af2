/*
Copyright (c) trftp authors.

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

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClampIPG(t *testing.T) {
	require.Equal(t, uint32(IPGMin), ClampIPG(1))
	require.Equal(t, uint32(IPGMax), ClampIPG(10000))
	require.Equal(t, uint32(150), ClampIPG(150))
}

func TestValidatePayloadLen(t *testing.T) {
	require.NoError(t, ValidatePayloadLen(KindNTF, NTFPayload{NewVersion: 1}.Encode()))
	require.Error(t, ValidatePayloadLen(KindNTF, []byte{0, 0, 0}))
}

func TestValidatePayloadLenEmptyCXL(t *testing.T) {
	// The documented fix for the reference validator's defect: an empty
	// CXL payload (pl == 0) is valid, not sizeof(payload)-1.
	require.NoError(t, ValidatePayloadLen(KindCXL, nil))
}

func TestValidateDataTerminal(t *testing.T) {
	h := Header{TPN: 3, PSN: 2, TPL: 4096}
	require.NoError(t, ValidateData(h, make([]byte, 1280)))
	require.Error(t, ValidateData(h, make([]byte, MaxPayload)))
}

func TestValidateDataNonTerminal(t *testing.T) {
	h := Header{TPN: 3, PSN: 0, TPL: 4096}
	require.NoError(t, ValidateData(h, make([]byte, MaxPayload)))
	require.Error(t, ValidateData(h, make([]byte, 10)))
}

func TestValidateDone(t *testing.T) {
	announced := DONEPayload{NewVersion: 1, FileLength: 100, CRC32: 0xdeadbeef}
	require.NoError(t, ValidateDone(announced, announced))

	mismatched := announced
	mismatched.CRC32 = 0
	require.Error(t, ValidateDone(mismatched, announced))
}

func TestValidateRTX(t *testing.T) {
	require.NoError(t, ValidateRTX(RTXPayload{RetransmitPSN: 3}, 5))
	require.NoError(t, ValidateRTX(RTXPayload{RetransmitPSN: 5}, 5))
	require.Error(t, ValidateRTX(RTXPayload{RetransmitPSN: 6}, 5))
}
