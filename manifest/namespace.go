package manifest

import (
	"path/filepath"
	"strings"
	"unicode"
)

// PackageExt is the extension of compiled script package files.
const PackageExt = ".spk"

// PackageName derives a script package name from a file name.
// "ai-core.spk" -> "AiCore", "weapons" -> "Weapons", "myGame" -> "MyGame"
func PackageName(file string) string {
	if file == "" {
		return ""
	}
	base := strings.TrimSuffix(filepath.Base(file), PackageExt)
	var sb strings.Builder
	upper := true
	var prev rune
	for _, r := range base {
		switch {
		case r == '-' || r == '_' || r == ' ':
			upper = true
		case upper || (unicode.IsUpper(r) && unicode.IsLower(prev)):
			sb.WriteRune(unicode.ToUpper(r))
			upper = false
		default:
			sb.WriteRune(r)
		}
		prev = r
	}
	return sb.String()
}

// reservedPackages lists package names owned by the VM itself.
var reservedPackages = map[string]bool{
	"core": true,
	"none": true,
}

// IsReservedPackage reports whether name clashes with a built-in package.
func IsReservedPackage(name string) bool {
	return reservedPackages[strings.ToLower(name)]
}
