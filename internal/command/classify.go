package command

import (
	"path"
	"regexp"
	"strings"

	"github.com/jkaninda/toolgate/internal/domain"
)

// rule is a single classification rule. Rules are evaluated in order and the
// first one that matches decides the category.
type rule struct {
	// Name is a short identifier used in the classification reason.
	Name string

	// Match receives the normalized binary name and the raw arguments.
	Match func(bin string, args []string) (domain.Classification, bool)
}

var (
	destructiveBinaries = map[string]bool{
		"rm": true, "dd": true, "shutdown": true, "reboot": true,
	}
	networkBinaries = map[string]bool{
		"curl": true, "wget": true, "fetch": true, "ssh": true, "scp": true,
	}
	gitNetworkSubcommands = map[string]bool{
		"clone": true, "fetch": true, "pull": true, "push": true,
	}
	packageManagers = map[string]bool{
		"npm": true, "pnpm": true, "yarn": true,
	}
	installSubcommands = map[string]bool{
		"install": true, "i": true, "add": true,
	}

	// scriptPattern matches package.json script names that map onto a
	// category: "test", "test:unit", "lint", "format", "build", "build:prod".
	scriptPattern = regexp.MustCompile(`^(test|lint|format|build)`)

	directTools = map[string]domain.Category{
		"tsc": domain.CategoryBuild,

		"jest":       domain.CategoryTest,
		"vitest":     domain.CategoryTest,
		"mocha":      domain.CategoryTest,
		"ava":        domain.CategoryTest,
		"karma":      domain.CategoryTest,
		"pytest":     domain.CategoryTest,
		"playwright": domain.CategoryTest,

		"eslint":        domain.CategoryLint,
		"tslint":        domain.CategoryLint,
		"stylelint":     domain.CategoryLint,
		"golangci-lint": domain.CategoryLint,
		"ruff":          domain.CategoryLint,
		"flake8":        domain.CategoryLint,
		"pylint":        domain.CategoryLint,
		"shellcheck":    domain.CategoryLint,

		"prettier":  domain.CategoryFormat,
		"gofmt":     domain.CategoryFormat,
		"goimports": domain.CategoryFormat,
		"black":     domain.CategoryFormat,
		"rustfmt":   domain.CategoryFormat,
		"dprint":    domain.CategoryFormat,
	}

	// Toolchains whose first argument selects the category ("go test").
	toolchainSubcommands = map[string]map[string]domain.Category{
		"go": {
			"test":  domain.CategoryTest,
			"build": domain.CategoryBuild,
			"vet":   domain.CategoryLint,
			"fmt":   domain.CategoryFormat,
		},
		"cargo": {
			"test":   domain.CategoryTest,
			"build":  domain.CategoryBuild,
			"clippy": domain.CategoryLint,
			"fmt":    domain.CategoryFormat,
		},
	}
)

var defaultRules = []rule{
	{
		Name: "destructive-binary",
		Match: func(bin string, _ []string) (domain.Classification, bool) {
			if destructiveBinaries[bin] || strings.HasPrefix(bin, "mkfs") {
				return classified(domain.CategoryDestructive, bin+" is destructive"), true
			}
			return domain.Classification{}, false
		},
	},
	{
		Name: "chmod",
		Match: func(bin string, args []string) (domain.Classification, bool) {
			if bin != "chmod" {
				return domain.Classification{}, false
			}
			if hasRecursiveFlag(args) {
				return classified(domain.CategoryDestructive, "recursive chmod"), true
			}
			return classified(domain.CategoryUnknown, "non-recursive chmod"), true
		},
	},
	{
		Name: "mv-root",
		Match: func(bin string, args []string) (domain.Classification, bool) {
			if bin != "mv" {
				return domain.Classification{}, false
			}
			if len(args) > 0 && args[len(args)-1] == "/" {
				return classified(domain.CategoryDestructive, "mv into /"), true
			}
			return classified(domain.CategoryUnknown, "mv"), true
		},
	},
	{
		Name: "network-binary",
		Match: func(bin string, _ []string) (domain.Classification, bool) {
			if networkBinaries[bin] {
				return classified(domain.CategoryNetwork, bin+" accesses the network"), true
			}
			return domain.Classification{}, false
		},
	},
	{
		Name: "git",
		Match: func(bin string, args []string) (domain.Classification, bool) {
			if bin != "git" {
				return domain.Classification{}, false
			}
			sub := gitSubcommand(args)
			if gitNetworkSubcommands[sub] {
				return classified(domain.CategoryNetwork, "git "+sub+" accesses the network"), true
			}
			return classified(domain.CategoryUnknown, "git "+sub), true
		},
	},
	{
		Name:  "package-manager",
		Match: matchPackageManager,
	},
	{
		Name: "direct-tool",
		Match: func(bin string, args []string) (domain.Classification, bool) {
			if cat, ok := directTools[bin]; ok {
				return classified(cat, bin+" is a "+string(cat)+" tool"), true
			}
			if subs, ok := toolchainSubcommands[bin]; ok && len(args) > 0 {
				if cat, ok := subs[args[0]]; ok {
					return classified(cat, bin+" "+args[0]), true
				}
			}
			return domain.Classification{}, false
		},
	},
}

// Classify maps a parsed command to a category. It is a pure function of its
// input.
func Classify(cmd domain.ParsedCommand) domain.Classification {
	bin := Normalize(cmd.Binary)
	for _, r := range defaultRules {
		if c, ok := r.Match(bin, cmd.Args); ok {
			return c
		}
	}
	return classified(domain.CategoryUnknown, "no rule matched")
}

// ClassifyString parses raw and classifies it. Unparseable input is
// classified as unknown.
func ClassifyString(raw string) domain.Classification {
	parsed, err := Parse(raw)
	if err != nil {
		return classified(domain.CategoryUnknown, err.Error())
	}
	return Classify(parsed)
}

// Normalize strips directory components, lowercases and removes a trailing
// ".exe" from a binary name.
func Normalize(binary string) string {
	name := strings.ReplaceAll(binary, "\\", "/")
	name = strings.ToLower(path.Base(name))
	return strings.TrimSuffix(name, ".exe")
}

func matchPackageManager(bin string, args []string) (domain.Classification, bool) {
	if !packageManagers[bin] {
		return domain.Classification{}, false
	}
	if len(args) == 0 {
		return classified(domain.CategoryUnknown, bin), true
	}
	sub := args[0]
	switch {
	case installSubcommands[sub]:
		return classified(domain.CategoryInstall, bin+" "+sub+" installs packages"), true
	case sub == "test":
		return classified(domain.CategoryTest, bin+" test"), true
	case sub == "run" && len(args) > 1:
		script := args[1]
		if m := scriptPattern.FindStringSubmatch(script); m != nil {
			return classified(domain.Category(m[1]), bin+" run "+script), true
		}
		return classified(domain.CategoryUnknown, bin+" run "+script), true
	}
	return classified(domain.CategoryUnknown, bin+" "+sub), true
}

// gitSubcommand skips global options (and the values of -C and -c) and
// returns the first positional argument.
func gitSubcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "-C" || a == "-c" {
			i++
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a
	}
	return ""
}

func hasRecursiveFlag(args []string) bool {
	for _, a := range args {
		if a == "--recursive" {
			return true
		}
		// Combined short flags such as -Rf.
		if len(a) > 1 && a[0] == '-' && a[1] != '-' && strings.ContainsRune(a[1:], 'R') {
			return true
		}
	}
	return false
}

func classified(cat domain.Category, reason string) domain.Classification {
	return domain.Classification{Category: cat, Reason: reason}
}
