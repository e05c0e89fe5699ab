package rules

import (
	"fmt"
	"slices"
	"strings"

	"github.com/foxcpp/go-sieve"
	"github.com/migadu/soramail/consts"
)

// quote renders s as a Sieve quoted string.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// wildcardEscape protects the :matches metacharacters of a literal value.
func wildcardEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)
	return r.Replace(s)
}

// sieveTest renders one scalar comparison. ok is false for comparisons that
// Sieve cannot express without extensions we do not enable.
func sieveTest(property, matcher, value string) (test string, ok bool) {
	var subject string
	switch property {
	case PropertySubject:
		subject = `header %s "subject" %s`
	case PropertyFrom:
		subject = `address %s "from" %s`
	case PropertyTo, PropertyReceiver:
		subject = `address %s "to" %s`
	default:
		return "", false
	}

	switch matcher {
	case MatchContains:
		return fmt.Sprintf(subject, ":contains", quote(value)), true
	case MatchExactly:
		return fmt.Sprintf(subject, ":is", quote(value)), true
	case MatchStartsWith:
		return fmt.Sprintf(subject, ":matches", quote(wildcardEscape(value)+"*")), true
	case MatchEndsWith:
		return fmt.Sprintf(subject, ":matches", quote("*"+wildcardEscape(value))), true
	}
	return "", false
}

func sieveCondition(r Rule) (string, bool) {
	property, matcher := norm(r.Property), norm(r.Matcher)
	if property != PropertyComposite {
		return sieveTest(property, matcher, r.Value)
	}
	if matcher != MatchComplex {
		return "", false
	}

	clauses, _ := parseComplex(r.Value)
	var tests []string
	for _, c := range clauses {
		test, ok := sieveTest(c.key, MatchContains, c.value)
		if !ok {
			// A partial conjunction would match more mail than the rule does.
			return "", false
		}
		tests = append(tests, test)
	}
	switch len(tests) {
	case 0:
		return "", false
	case 1:
		return tests[0], true
	}
	return "allof(" + strings.Join(tests, ", ") + ")", true
}

// sieveAction renders the commands of a rule action and the extensions they
// require.
func sieveAction(r Rule) (commands []string, requires []string, ok bool) {
	switch norm(r.Action) {
	case ActionMove:
		return []string{"fileinto " + quote(strings.TrimSpace(r.NewFolder)) + ";"}, []string{"fileinto"}, true
	case ActionDelete:
		return []string{"fileinto " + quote(consts.FolderTrash) + ";"}, []string{"fileinto"}, true
	case ActionStar:
		return []string{`addflag "\\Flagged";`}, []string{"imap4flags"}, true
	case ActionMarkRead:
		return []string{`addflag "\\Seen";`}, []string{"imap4flags"}, true
	case ActionForward:
		for _, addr := range r.ForwardedTo {
			commands = append(commands, "redirect :copy "+quote(strings.TrimSpace(addr))+";")
		}
		return commands, []string{"copy"}, len(commands) > 0
	}
	return nil, nil, false
}

// ExportSieve renders rules as a Sieve script with first-match-wins
// semantics. Rules Sieve cannot express are emitted as comments. The script
// is parsed before it is returned.
func ExportSieve(list []Rule) (string, error) {
	var body strings.Builder
	var requires []string

	for _, r := range list {
		fmt.Fprintf(&body, "# %s (%s)\n", sanitizeComment(r.Name), sanitizeComment(r.ID))
		cond, condOK := sieveCondition(r)
		commands, req, actionOK := sieveAction(r)
		if !condOK || !actionOK {
			body.WriteString("# not expressible in sieve, skipped\n\n")
			continue
		}
		for _, ext := range req {
			if !slices.Contains(requires, ext) {
				requires = append(requires, ext)
			}
		}
		fmt.Fprintf(&body, "if %s {\n", cond)
		for _, c := range commands {
			fmt.Fprintf(&body, "    %s\n", c)
		}
		body.WriteString("    stop;\n}\n\n")
	}

	var script strings.Builder
	if len(requires) > 0 {
		quoted := make([]string, len(requires))
		for i, ext := range requires {
			quoted[i] = quote(ext)
		}
		fmt.Fprintf(&script, "require [%s];\n\n", strings.Join(quoted, ", "))
	}
	script.WriteString(body.String())
	script.WriteString("keep;\n")

	if _, err := sieve.Load(strings.NewReader(script.String()), sieve.DefaultOptions()); err != nil {
		return "", fmt.Errorf("generated sieve script does not parse: %w", err)
	}
	return script.String(), nil
}

func sanitizeComment(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
