package main

import (
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/slice"
	"github.com/danderson/dbusarg"
	"github.com/danderson/dbusarg/fragments"
	"github.com/kr/pretty"
	"go.uber.org/zap"
)

var globalArgs struct {
	Verbose bool `flag:"v,Log marshaling internals to stderr"`
}

func main() {
	root := &command.C{
		Name:     "dbusarg",
		Usage:    "command args...",
		Help:     "Inspect and convert DBus wire format values.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "sig",
				Usage: "sig signature...",
				Help: `Describe DBus type signatures.

Each signature is validated, and the structure of its types printed,
along with the Go type that represents each one, if any.`,
				Run: runSig,
			},
			{
				Name:  "decode",
				Usage: "decode -sig signature [-order be|le] hex",
				Help: `Decode a hex encoded message body.

Values are printed as a tree, with containers expanded. Variants
holding non-builtin types are expanded in place.`,
				SetFlags: command.Flags(flax.MustBind, &decodeArgs),
				Run:      command.Adapt(runDecode),
			},
			{
				Name:  "recode",
				Usage: "recode -sig signature -from be|le -to be|le hex",
				Help: `Re-encode a hex encoded message body in another byte order.

The values are copied without being decoded into Go values, and the
new body is printed as hex.`,
				SetFlags: command.Flags(flax.MustBind, &recodeArgs),
				Run:      command.Adapt(runRecode),
			},
			{
				Name:  "types",
				Usage: "types [regexp]",
				Help: `List the Go types that map natively to DBus types.

With an argument, list only types whose signature or Go type name
matches the regular expression. Simplest signatures are listed first.`,
				Run: runTypes,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	env := root.NewEnv(nil)
	command.RunOrFail(env, os.Args[1:])
}

// setupLogging installs a development logger if -v was given.
func setupLogging() error {
	if !globalArgs.Verbose {
		return nil
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	dbusarg.SetLogger(l)
	return nil
}

func runSig(env *command.Env) error {
	if err := setupLogging(); err != nil {
		return err
	}
	if len(env.Args) == 0 {
		return env.Usagef("no signatures given")
	}

	var out indenter
	var errs []error
	for _, s := range env.Args {
		sig, err := dbusarg.ParseSignature(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.indent(0)
		out.f("%q:", sig)
		for t := range sig.Types() {
			describeType(&out, t, 1)
		}
	}
	return errors.Join(errs...)
}

var typeNames = map[byte]string{
	'y': "byte",
	'b': "boolean",
	'n': "int16",
	'q': "uint16",
	'i': "int32",
	'u': "uint32",
	'x': "int64",
	't': "uint64",
	'd': "double",
	's': "string",
	'o': "object path",
	'g': "signature",
	'h': "unix fd",
	'v': "variant",
}

// describeType prints the structure of the single type sig.
func describeType(out *indenter, sig dbusarg.Signature, depth int) {
	out.indent(depth)
	goType := ""
	if t := dbusarg.DefaultRegistry.SignatureToType(sig); t != nil {
		goType = fmt.Sprintf(", Go %s", t)
	}
	s := sig.String()
	switch {
	case typeNames[s[0]] != "":
		out.f("%s: %s, align %d%s", s, typeNames[s[0]], sig.Alignment(), goType)
	case s[0] == 'a' && s[1] == '{':
		out.f("%s: dict, align %d%s", s, sig.Alignment(), goType)
		entry := sig.Elem().Fields()
		out.indent(depth + 1)
		out.s("key:")
		describeType(out, entry[0], depth+2)
		out.indent(depth + 1)
		out.s("value:")
		describeType(out, entry[1], depth+2)
	case s[0] == 'a':
		out.f("%s: array, align %d%s", s, sig.Alignment(), goType)
		describeType(out, sig.Elem(), depth+1)
	case s[0] == '(':
		out.f("%s: struct, align %d%s", s, sig.Alignment(), goType)
		for _, f := range sig.Fields() {
			describeType(out, f, depth+1)
		}
	default:
		out.f("%s: unknown", s)
	}
}

var decodeArgs struct {
	Signature string `flag:"sig,Signature of the message body"`
	Order     string `flag:"order,default=le,Byte order of the message body"`
}

func runDecode(env *command.Env, body string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	msg, err := parseMessage(decodeArgs.Signature, decodeArgs.Order, body)
	if err != nil {
		return err
	}

	var out indenter
	d := dbusarg.NewDemarshaller(msg, dbusarg.Options{})
	printValues(&out, d, 0)
	if err := d.Err(); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}
	return nil
}

// printValues prints the remaining values of d's current container.
func printValues(out *indenter, d *dbusarg.Demarshaller, depth int) {
	for !d.AtEnd() {
		out.indent(depth)
		sig := d.CurrentSignature()
		switch d.CurrentType() {
		case dbusarg.BasicType:
			var v any
			d.Value(&v)
			out.f("%s: %# v", sig, pretty.Formatter(v))
		case dbusarg.VariantType:
			v := d.ToVariant()
			raw, ok := v.Value.(dbusarg.RawValue)
			if !ok {
				out.f("%s: %# v", sig, pretty.Formatter(v.Value))
				continue
			}
			out.f("%s: %s", sig, raw.Signature())
			rd := raw.Demarshaller(dbusarg.Options{})
			printValues(out, rd, depth+1)
			if err := rd.Err(); err != nil {
				out.indent(depth + 1)
				out.v(err)
			}
		case dbusarg.ArrayType:
			out.f("%s:", sig)
			a := d.BeginArray()
			printValues(out, a, depth+1)
			a.EndArray()
		case dbusarg.MapType:
			out.f("%s:", sig)
			mp := d.BeginMap()
			for !mp.AtEnd() {
				out.indent(depth + 1)
				out.s("entry:")
				e := mp.BeginMapEntry()
				printValues(out, e, depth+2)
				e.EndMapEntry()
			}
			mp.EndMap()
		case dbusarg.StructureType:
			out.f("%s:", sig)
			s := d.BeginStructure()
			printValues(out, s, depth+1)
			s.EndStructure()
		default:
			// Unreachable for well-formed signatures, bail rather
			// than spin.
			return
		}
	}
}

var recodeArgs struct {
	Signature string `flag:"sig,Signature of the message body"`
	From      string `flag:"from,default=le,Byte order of the input"`
	To        string `flag:"to,default=be,Byte order of the output"`
}

func runRecode(env *command.Env, body string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	msg, err := parseMessage(recodeArgs.Signature, recodeArgs.From, body)
	if err != nil {
		return err
	}
	to, err := parseOrder(recodeArgs.To)
	if err != nil {
		return err
	}

	d := dbusarg.NewDemarshaller(msg, dbusarg.Options{})
	m := dbusarg.NewMarshaller(dbusarg.Options{Order: to})
	for !d.AtEnd() && m.Err() == nil {
		m.AppendCrossMarshalling(d)
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	out, err := m.Message()
	if err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	fmt.Println(hex.EncodeToString(out.Body))
	return nil
}

func runTypes(env *command.Env) error {
	if err := setupLogging(); err != nil {
		return err
	}
	filter := ".*"
	if len(env.Args) > 0 {
		filter = env.Args[0]
	}
	re, err := regexp.Compile(filter)
	if err != nil {
		return err
	}

	q := heapq.New(func(a, b dbusarg.TypeEntry) int {
		as, bs := a.Signature.String(), b.Signature.String()
		if c := cmp.Compare(len(as), len(bs)); c != 0 {
			return c
		}
		return strings.Compare(as, bs)
	})
	for e := range slice.Select(dbusarg.BuiltinTypes(), func(e dbusarg.TypeEntry) bool {
		return re.MatchString(e.Signature.String()) || re.MatchString(e.Type.String())
	}) {
		q.Add(e)
	}
	for !q.IsEmpty() {
		e, _ := q.Pop()
		fmt.Printf("%-4s %s\n", e.Signature, e.Type)
	}
	return nil
}

func parseMessage(sig, order, body string) (*dbusarg.Message, error) {
	s, err := dbusarg.ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	o, err := parseOrder(order)
	if err != nil {
		return nil, err
	}
	bs, err := hex.DecodeString(strings.Join(strings.Fields(body), ""))
	if err != nil {
		return nil, fmt.Errorf("decoding hex body: %w", err)
	}
	return &dbusarg.Message{
		Order:     o,
		Signature: s,
		Body:      bs,
	}, nil
}

func parseOrder(s string) (fragments.ByteOrder, error) {
	switch strings.ToLower(s) {
	case "be", "big":
		return fragments.BigEndian, nil
	case "le", "little":
		return fragments.LittleEndian, nil
	case "native":
		return fragments.NativeEndian, nil
	}
	if len(s) == 1 {
		return fragments.OrderForFlag(s[0])
	}
	return nil, fmt.Errorf("unknown byte order %q, want be or le", s)
}
