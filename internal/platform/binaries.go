package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Bitness names one of the two binaries/<bitness> directories a model
// distribution ships.
type Bitness string

const (
	Bitness64 Bitness = "64"
	Bitness32 Bitness = "32"
)

func nativeBitness() Bitness {
	if runtime.GOARCH == "386" || runtime.GOARCH == "arm" {
		return Bitness32
	}
	return Bitness64
}

// ServerExecutableName is the fixed server binary name.
func ServerExecutableName() string {
	if runtime.GOOS == "windows" {
		return "server_sm.exe"
	}
	return "server_sm"
}

func libraryExtension() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}

// ResolvedBinaries is the outcome of probing the sibling binaries/<bitness>
// directories for a usable server and wrapped model library.
type ResolvedBinaries struct {
	Bitness     Bitness
	ServerPath  string
	LibraryPath string
}

// ResolveServerBinaries probes the on-disk layout: the client
// derives the server executable and the wrapped model library from its own
// module path, assuming siblings under binaries/<32|64>/. Cross-bitness is
// detected by file existence: the 32-bit directory is probed when the
// native one lacks the file.
//
// This implementation picks the with-suffix naming scheme uniformly:
// the wrapped library is always named "<identifier><remotedSuffix><ext>",
// which disambiguates it from an un-remoted copy of the same model placed
// in the same directory. remotedSuffix is caller-supplied (internal/config's
// Binaries.RemotedSuffix, default "-remoted") rather than hard-coded, so an
// operator can point the bridge at a differently-named build without a
// code change.
func ResolveServerBinaries(moduleDir, identifier, remotedSuffix string) (*ResolvedBinaries, error) {
	if remotedSuffix == "" {
		remotedSuffix = "-remoted"
	}
	ext := libraryExtension()
	libName := identifier + remotedSuffix + ext
	serverName := ServerExecutableName()

	for _, bitness := range []Bitness{nativeBitness(), otherBitness(nativeBitness())} {
		dir := filepath.Join(moduleDir, "binaries", string(bitness))
		libPath := filepath.Join(dir, libName)
		serverPath := filepath.Join(dir, serverName)

		if fileExists(libPath) && fileExists(serverPath) {
			return &ResolvedBinaries{
				Bitness:     bitness,
				ServerPath:  serverPath,
				LibraryPath: libPath,
			}, nil
		}
	}

	return nil, fmt.Errorf("platform: no usable %s/%s pair found under %s/binaries/{64,32}",
		serverName, libName, moduleDir)
}

func otherBitness(b Bitness) Bitness {
	if b == Bitness64 {
		return Bitness32
	}
	return Bitness64
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
