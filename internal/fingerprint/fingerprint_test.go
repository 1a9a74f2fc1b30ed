package fingerprint

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildContext(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "fingerprint")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	files := map[string]string{
		"Dockerfile":       "FROM public.ecr.aws/lambda/python:3.12\n",
		"main.py":          "def handler(event, context):\n    return {}\n",
		"requirements.txt": "boto3\n",
	}
	for name, body := range files {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

var inputs = []Input{
	{Name: "dockerfile", Path: "Dockerfile"},
	{Name: "handler", Path: "main.py"},
	{Name: "manifest", Path: "requirements.txt"},
}

func TestFile(t *testing.T) {
	dir := buildContext(t)
	sum, err := File(filepath.Join(dir, "requirements.txt"))
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	_, err = File(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestCompute_StableUntilAnInputChanges(t *testing.T) {
	dir := buildContext(t)

	first, err := Compute(dir, inputs)
	require.NoError(t, err)
	second, err := Compute(dir, inputs)
	require.NoError(t, err)
	assert.Equal(t, first.Key(), second.Key())
	assert.Empty(t, second.Changed(first))

	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.py"), []byte("changed"), 0o600))
	third, err := Compute(dir, inputs)
	require.NoError(t, err)
	assert.NotEqual(t, first.Key(), third.Key())
	assert.Equal(t, []string{"handler"}, third.Changed(first))
}

func TestCompute_MissingInput(t *testing.T) {
	dir := buildContext(t)
	_, err := Compute(dir, []Input{{Name: "manifest", Path: "poetry.lock"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest")
}

func TestSet_KeyIgnoresOrder(t *testing.T) {
	a := Set{"dockerfile": "1", "handler": "2"}
	b := Set{"handler": "2", "dockerfile": "1"}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), Set{"dockerfile": "1", "handler": "3"}.Key())
}

func TestChanged_RemovedEntry(t *testing.T) {
	prior := Set{"dockerfile": "a", "extra": "b"}
	now := Set{"dockerfile": "a"}
	assert.Equal(t, []string{"extra"}, now.Changed(prior))
}

func TestCompute_Directory(t *testing.T) {
	dir := buildContext(t)
	services := filepath.Join(dir, "services")
	require.NoError(t, os.MkdirAll(filepath.Join(services, "auth"), 0o700))
	require.NoError(t, ioutil.WriteFile(filepath.Join(services, "auth", "service.py"), []byte("v1"), 0o600))
	require.NoError(t, ioutil.WriteFile(filepath.Join(services, "user.py"), []byte("v1"), 0o600))

	withDir := append([]Input{{Name: "extra:services", Path: "services"}}, inputs...)
	first, err := Compute(dir, withDir)
	require.NoError(t, err)

	require.NoError(t, ioutil.WriteFile(filepath.Join(services, "auth", "service.py"), []byte("v2"), 0o600))
	second, err := Compute(dir, withDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra:services"}, second.Changed(first))

	require.NoError(t, os.Rename(filepath.Join(services, "user.py"), filepath.Join(services, "users.py")))
	third, err := Compute(dir, withDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra:services"}, third.Changed(second))
}

func TestDir_SkipsBytecode(t *testing.T) {
	dir := buildContext(t)
	utils := filepath.Join(dir, "utils")
	require.NoError(t, os.MkdirAll(utils, 0o700))
	require.NoError(t, ioutil.WriteFile(filepath.Join(utils, "response.py"), []byte("v1"), 0o600))

	first, err := Dir(utils)
	require.NoError(t, err)

	cache := filepath.Join(utils, "__pycache__")
	require.NoError(t, os.MkdirAll(cache, 0o700))
	require.NoError(t, ioutil.WriteFile(filepath.Join(cache, "response.cpython-311.pyc"), []byte{0x0d, 0x0d}, 0o600))
	require.NoError(t, ioutil.WriteFile(filepath.Join(utils, "legacy.pyc"), []byte{0x03, 0xf3}, 0o600))
	second, err := Dir(utils)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, ioutil.WriteFile(filepath.Join(utils, "response.py"), []byte("v2"), 0o600))
	third, err := Dir(utils)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}
