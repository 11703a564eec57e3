package hostsim

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
)

// binaryMagic prefixes every program binary this runtime produces.
const binaryMagic = "CLPPSIM1\n"

type paramKind int

const (
	paramScalar paramKind = iota
	paramGlobal
	paramLocal
)

type paramDecl struct {
	name string
	typ  string
	kind paramKind
	size int // scalar byte size, 0 when unknown
}

type kernelDecl struct {
	name   string
	params []paramDecl
	line   int
}

type buildResult struct {
	status  driver.BuildStatus
	log     string
	options string
}

type program struct {
	id         driver.ProgramID
	ctx        *simContext
	source     string
	fromBinary bool
	devices    []*device

	mu      sync.Mutex
	builds  map[driver.DeviceID]*buildResult
	decls   map[string]*kernelDecl
	impls   map[string]KernelFunc
	kernels int // live kernel objects
}

func (r *Runtime) CreateProgramWithSource(c driver.ContextID, source string) (driver.ProgramID, clerr.Status) {
	ctx, ok := lookup[*simContext](r, uintptr(c))
	if !ok {
		return 0, clerr.InvalidContext
	}
	if source == "" {
		return 0, clerr.InvalidValue
	}
	return r.newProgram(ctx, ctx.devices, source, false), clerr.Success
}

func (r *Runtime) newProgram(ctx *simContext, devs []*device, source string, fromBinary bool) driver.ProgramID {
	p := &program{
		ctx:        ctx,
		source:     source,
		fromBinary: fromBinary,
		devices:    devs,
		builds:     map[driver.DeviceID]*buildResult{},
	}
	for _, d := range devs {
		p.builds[d.id] = &buildResult{status: driver.BuildNone}
	}
	r.addRef(uintptr(ctx.id))
	p.id = driver.ProgramID(r.insert(p))
	return p.id
}

// CreateProgramWithBinary accepts binaries produced by ProgramBinaries. The
// embedded source is rebuilt by BuildProgram.
func (r *Runtime) CreateProgramWithBinary(c driver.ContextID, ids []driver.DeviceID, binaries [][]byte) (driver.ProgramID, []clerr.Status, clerr.Status) {
	ctx, ok := lookup[*simContext](r, uintptr(c))
	if !ok {
		return 0, nil, clerr.InvalidContext
	}
	if len(ids) == 0 || len(ids) != len(binaries) {
		return 0, nil, clerr.InvalidValue
	}
	devs := make([]*device, len(ids))
	for i, id := range ids {
		d, ok := r.devices[id]
		if !ok || !ctx.hasDevice(d) {
			return 0, nil, clerr.InvalidDevice
		}
		devs[i] = d
	}

	statuses := make([]clerr.Status, len(ids))
	var source string
	failed := false
	for i, bin := range binaries {
		src, ok := decodeBinary(bin, devs[i])
		switch {
		case !ok:
			statuses[i] = clerr.InvalidBinary
			failed = true
		case source != "" && src != source:
			statuses[i] = clerr.InvalidBinary
			failed = true
		default:
			source = src
		}
	}
	if failed {
		return 0, statuses, clerr.InvalidBinary
	}
	return r.newProgram(ctx, devs, source, true), statuses, clerr.Success
}

func encodeBinary(d *device, source string) []byte {
	var b bytes.Buffer
	b.WriteString(binaryMagic)
	b.WriteString(d.cfg.Name)
	b.WriteByte('\n')
	b.WriteString(source)
	return b.Bytes()
}

func decodeBinary(bin []byte, d *device) (string, bool) {
	rest, ok := bytes.CutPrefix(bin, []byte(binaryMagic))
	if !ok {
		return "", false
	}
	name, source, ok := bytes.Cut(rest, []byte{'\n'})
	if !ok || string(name) != d.cfg.Name {
		return "", false
	}
	return string(source), true
}

func (p *program) device(id driver.DeviceID) *device {
	for _, d := range p.devices {
		if d.id == id {
			return d
		}
	}
	return nil
}

func (p *program) builtOn(d *device) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.builds[d.id]
	return ok && b.status == driver.BuildSuccess
}

func (p *program) anyBuilt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.builds {
		if b.status == driver.BuildSuccess {
			return true
		}
	}
	return false
}

// BuildProgram checks options, then "compiles" the source once per device.
// A device without a compiler gets CompilerNotAvailable. Any failing device
// makes the call return BuildProgramFailure while every device keeps its own
// status and log.
func (r *Runtime) BuildProgram(id driver.ProgramID, ids []driver.DeviceID, options string) clerr.Status {
	p, ok := lookup[*program](r, uintptr(id))
	if !ok {
		return clerr.InvalidProgram
	}
	targets := p.devices
	if len(ids) > 0 {
		targets = nil
		for _, did := range ids {
			d := p.device(did)
			if d == nil {
				return clerr.InvalidDevice
			}
			targets = append(targets, d)
		}
	}
	if err := checkOptions(options); err != "" {
		return clerr.InvalidBuildOptions
	}

	p.mu.Lock()
	if p.kernels > 0 {
		p.mu.Unlock()
		return clerr.InvalidOperation
	}
	p.mu.Unlock()

	for _, d := range targets {
		if d.cfg.NoCompiler && !p.fromBinary {
			return clerr.CompilerNotAvailable
		}
	}

	decls, impls, diags := r.compile(p.source)
	log := strings.Join(diags, "\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	status := driver.BuildSuccess
	if len(diags) > 0 {
		status = driver.BuildError
	}
	for _, d := range targets {
		p.builds[d.id] = &buildResult{status: status, log: log, options: options}
	}
	r.log.WithFields(logrus.Fields{
		"program": p.id,
		"devices": len(targets),
		"status":  status.String(),
	}).Debug("program built")
	if status != driver.BuildSuccess {
		return clerr.BuildProgramFailure
	}
	p.decls = decls
	p.impls = impls
	return clerr.Success
}

// checkOptions accepts dash-prefixed options, where -D and -I may take their
// value as the next token.
func checkOptions(options string) string {
	fields := strings.Fields(options)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if !strings.HasPrefix(f, "-") || f == "-" {
			return f
		}
		if f == "-D" || f == "-I" {
			i++
			if i == len(fields) {
				return f
			}
		}
	}
	return ""
}

var (
	kernelRE  = regexp.MustCompile(`(?:__kernel|\bkernel)\s+(?:__attribute__\s*\(\(.*?\)\)\s*)?void\s+([A-Za-z_]\w*)\s*\(`)
	commentRE = regexp.MustCompile(`(?s)//[^\n]*|/\*.*?\*/`)
)

// compile parses kernel declarations and checks that brackets balance. Each
// problem becomes one clang-style diagnostic line.
func (r *Runtime) compile(source string) (map[string]*kernelDecl, map[string]KernelFunc, []string) {
	// Comments are blanked but newlines kept so line numbers stay right.
	clean := commentRE.ReplaceAllStringFunc(source, func(c string) string {
		return strings.Map(func(ch rune) rune {
			if ch == '\n' {
				return ch
			}
			return ' '
		}, c)
	})

	var diags []string
	diag := func(line int, format string, args ...any) {
		diags = append(diags, fmt.Sprintf("<source>:%d: error: %s", line, fmt.Sprintf(format, args...)))
	}

	diags = append(diags, checkBrackets(clean)...)

	decls := map[string]*kernelDecl{}
	impls := map[string]KernelFunc{}
	for _, m := range kernelRE.FindAllStringSubmatchIndex(clean, -1) {
		name := clean[m[2]:m[3]]
		line := lineOf(clean, m[0])
		open := m[1] - 1
		end := matching(clean, open)
		if end < 0 {
			diag(line, "expected ')' to close parameter list of kernel '%s'", name)
			continue
		}
		params, err := parseParams(clean[open+1 : end])
		if err != "" {
			diag(line, "kernel '%s': %s", name, err)
			continue
		}
		if _, dup := decls[name]; dup {
			diag(line, "redefinition of kernel '%s'", name)
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(clean[end+1:]), "{") {
			diag(line, "expected function body after kernel '%s' declaration", name)
			continue
		}
		fn, ok := r.lookupKernel(name)
		if !ok {
			diag(line, "no implementation registered for kernel '%s'", name)
			continue
		}
		decls[name] = &kernelDecl{name: name, params: params, line: line}
		impls[name] = fn
	}
	if len(decls) == 0 && len(diags) == 0 {
		diags = append(diags, "<source>:1: error: no kernel functions found")
	}
	return decls, impls, diags
}

func lineOf(s string, pos int) int {
	return strings.Count(s[:pos], "\n") + 1
}

// matching returns the index of the bracket closing the one at open, or -1.
func matching(s string, open int) int {
	closer := map[byte]byte{'(': ')', '[': ']', '{': '}'}[s[open]]
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case s[open]:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func checkBrackets(s string) []string {
	type open struct {
		ch   byte
		line int
	}
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	var stack []open
	var diags []string
	line := 1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\n':
			line++
		case '(', '[', '{':
			stack = append(stack, open{c, line})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].ch != pairs[c] {
				diags = append(diags, fmt.Sprintf("<source>:%d: error: unexpected '%c'", line, c))
				continue
			}
			stack = stack[:len(stack)-1]
		}
	}
	for _, o := range stack {
		diags = append(diags, fmt.Sprintf("<source>:%d: error: unmatched '%c'", o.line, o.ch))
	}
	return diags
}

var scalarSizes = map[string]int{
	"bool": 4, "char": 1, "uchar": 1, "short": 2, "ushort": 2,
	"int": 4, "uint": 4, "long": 8, "ulong": 8, "half": 2,
	"float": 4, "double": 8, "size_t": 8, "ptrdiff_t": 8,
	"intptr_t": 8, "uintptr_t": 8,
}

var qualifiers = map[string]bool{
	"const": true, "volatile": true, "restrict": true,
	"__read_only": true, "__write_only": true, "read_only": true, "write_only": true,
}

// parseParams splits a kernel parameter list into typed parameters.
func parseParams(list string) ([]paramDecl, string) {
	list = strings.TrimSpace(list)
	if list == "" || list == "void" {
		return nil, ""
	}
	var out []paramDecl
	for _, raw := range strings.Split(list, ",") {
		raw = strings.ReplaceAll(strings.TrimSpace(raw), "*", " * ")
		fields := strings.Fields(raw)
		if len(fields) < 2 {
			return nil, fmt.Sprintf("malformed parameter '%s'", strings.TrimSpace(raw))
		}
		p := paramDecl{name: fields[len(fields)-1]}
		space := ""
		pointer := false
		var typ []string
		for _, f := range fields[:len(fields)-1] {
			switch {
			case f == "*":
				pointer = true
			case f == "__global" || f == "global" || f == "__constant" || f == "constant":
				space = "global"
			case f == "__local" || f == "local":
				space = "local"
			case f == "__private" || f == "private" || qualifiers[f]:
			default:
				typ = append(typ, f)
			}
		}
		p.typ = normalizeType(typ)
		switch {
		case pointer && space == "global":
			p.kind = paramGlobal
		case pointer && space == "local":
			p.kind = paramLocal
		case pointer:
			return nil, fmt.Sprintf("parameter '%s' is a pointer without an address space", p.name)
		default:
			p.kind = paramScalar
			p.size = scalarSize(p.typ)
		}
		out = append(out, p)
	}
	return out, ""
}

func normalizeType(words []string) string {
	if len(words) >= 2 && words[0] == "unsigned" {
		return "u" + words[1]
	}
	if len(words) == 1 && words[0] == "unsigned" {
		return "uint"
	}
	return strings.Join(words, " ")
}

// scalarSize handles vector types such as float4 by multiplying the element
// size. A 3-element vector occupies the space of 4.
func scalarSize(typ string) int {
	if n, ok := scalarSizes[typ]; ok {
		return n
	}
	for _, width := range []string{"16", "8", "4", "3", "2"} {
		base, ok := strings.CutSuffix(typ, width)
		if !ok {
			continue
		}
		n, ok := scalarSizes[base]
		if !ok {
			return 0
		}
		w := map[string]int{"16": 16, "8": 8, "4": 4, "3": 4, "2": 2}[width]
		return n * w
	}
	return 0
}

func (r *Runtime) ProgramInfo(id driver.ProgramID, param driver.ProgramParam, dst []byte) (int, clerr.Status) {
	p, ok := lookup[*program](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidProgram
	}
	var v []byte
	switch param {
	case driver.ProgramReferenceCount:
		v = driver.Bytes(r.refCount(uintptr(id)))
	case driver.ProgramContext:
		v = driver.Bytes(p.ctx.id)
	case driver.ProgramNumDevices:
		v = driver.Bytes(uint32(len(p.devices)))
	case driver.ProgramDevices:
		ids := make([]driver.DeviceID, len(p.devices))
		for i, d := range p.devices {
			ids[i] = d.id
		}
		v = driver.SliceBytes(ids)
	case driver.ProgramSource:
		src := p.source
		if p.fromBinary {
			src = ""
		}
		v = driver.CString(src)
	case driver.ProgramBinarySizes:
		bins := p.binaries()
		sizes := make([]uintptr, len(bins))
		for i, b := range bins {
			sizes[i] = uintptr(len(b))
		}
		v = driver.SliceBytes(sizes)
	case driver.ProgramNumKernels, driver.ProgramKernelNames:
		if !p.anyBuilt() {
			return 0, clerr.InvalidProgramExecutable
		}
		names := p.kernelNames()
		if param == driver.ProgramNumKernels {
			v = driver.Bytes(uintptr(len(names)))
		} else {
			v = driver.CString(strings.Join(names, ";"))
		}
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, v)
}

func (p *program) kernelNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.decls))
	for name := range p.decls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *program) binaries() [][]byte {
	out := make([][]byte, len(p.devices))
	for i, d := range p.devices {
		if p.builtOn(d) {
			out[i] = encodeBinary(d, p.source)
		} else {
			out[i] = []byte{}
		}
	}
	return out
}

func (r *Runtime) ProgramBuildInfo(id driver.ProgramID, did driver.DeviceID, param driver.BuildParam, dst []byte) (int, clerr.Status) {
	p, ok := lookup[*program](r, uintptr(id))
	if !ok {
		return 0, clerr.InvalidProgram
	}
	d := p.device(did)
	if d == nil {
		return 0, clerr.InvalidDevice
	}
	p.mu.Lock()
	b := *p.builds[d.id]
	p.mu.Unlock()

	var v []byte
	switch param {
	case driver.ProgramBuildStatus:
		v = driver.Bytes(int32(b.status))
	case driver.ProgramBuildOptions:
		v = driver.CString(b.options)
	case driver.ProgramBuildLog:
		v = driver.CString(b.log)
	default:
		return 0, clerr.InvalidValue
	}
	return driver.Reply(dst, v)
}

func (r *Runtime) ProgramBinaries(id driver.ProgramID) ([][]byte, clerr.Status) {
	p, ok := lookup[*program](r, uintptr(id))
	if !ok {
		return nil, clerr.InvalidProgram
	}
	return p.binaries(), clerr.Success
}

func (r *Runtime) RetainProgram(p driver.ProgramID) clerr.Status {
	return retain[*program](r, uintptr(p), clerr.InvalidProgram)
}

func (r *Runtime) ReleaseProgram(p driver.ProgramID) clerr.Status {
	return release[*program](r, uintptr(p), clerr.InvalidProgram)
}

func (p *program) destroy(r *Runtime) {
	release[*simContext](r, uintptr(p.ctx.id), clerr.InvalidContext)
}
