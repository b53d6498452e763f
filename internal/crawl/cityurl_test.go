package crawl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCityURL(t *testing.T) {
	t.Parallel()

	ref, err := ParseCityURL("https://portail.geocentralis.com/public/sig-web/mrc-abitibi/88022/")
	require.NoError(t, err)
	require.Equal(t, "mrc-abitibi", ref.Label)
	require.Equal(t, "88022", ref.MunicipalityID)
	require.Equal(t, "https://portail.geocentralis.com/public/sig-web/mrc-abitibi/88022", ref.URL)

	_, err = ParseCityURL("https://portail.geocentralis.com/88022")
	require.Error(t, err)
	_, err = ParseCityURL("not a url")
	require.Error(t, err)
}

func TestReadCityLines_SkipsBlanksAndComments(t *testing.T) {
	t.Parallel()

	input := "# header\nhttps://a.example/m/1\n\n  https://a.example/m/2  \n"
	lines, err := ReadCityLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/m/1", "https://a.example/m/2"}, lines)
}
