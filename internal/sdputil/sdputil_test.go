package sdputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSDP = "v=0\r\n" +
	"o=- 1000 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=ice-ufrag:placeholder\r\n" +
	"a=ice-pwd:placeholderpassword\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:placeholder\r\n" +
	"a=ice-pwd:placeholderpassword\r\n" +
	"a=sendonly\r\n"

func TestRewriteOriginSessionID(t *testing.T) {
	out, err := RewriteOriginSessionID(sampleSDP, 424242)
	require.NoError(t, err)
	require.Contains(t, out, "o=- 424242 1 IN IP4 127.0.0.1")
	require.NotContains(t, out, "o=- 1000 1")
}

func TestRewriteOriginSessionID_MalformedSDP(t *testing.T) {
	_, err := RewriteOriginSessionID("not an sdp", 1)
	require.Error(t, err)
}

func TestInjectIceCredentials_SetsSessionAndMediaLevel(t *testing.T) {
	out, err := InjectIceCredentials(sampleSDP, "newufrag", "newpassword1234567890")
	require.NoError(t, err)

	require.Equal(t, 2, strings.Count(out, "a=ice-ufrag:newufrag"))
	require.Equal(t, 2, strings.Count(out, "a=ice-pwd:newpassword1234567890"))
	require.NotContains(t, out, "placeholder")
}

func TestExtractIceCredentials_ReadsMediaLevelAttributes(t *testing.T) {
	injected, err := InjectIceCredentials(sampleSDP, "clientufrag", "clientpassword1234567")
	require.NoError(t, err)

	ufrag, pwd, err := ExtractIceCredentials(injected)
	require.NoError(t, err)
	require.Equal(t, "clientufrag", ufrag)
	require.Equal(t, "clientpassword1234567", pwd)
}

func TestExtractIceCredentials_MissingAttributesIsAnError(t *testing.T) {
	noIce := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\n"
	_, _, err := ExtractIceCredentials(noIce)
	require.Error(t, err)
}

func TestInjectThenRewrite_Composable(t *testing.T) {
	withCreds, err := InjectIceCredentials(sampleSDP, "ufragA", "passwordAAAAAAAAAAAA")
	require.NoError(t, err)

	withID, err := RewriteOriginSessionID(withCreds, 99)
	require.NoError(t, err)

	ufrag, pwd, err := ExtractIceCredentials(withID)
	require.NoError(t, err)
	require.Equal(t, "ufragA", ufrag)
	require.Equal(t, "passwordAAAAAAAAAAAA", pwd)
	require.Contains(t, withID, "o=- 99 1")
}
