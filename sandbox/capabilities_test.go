package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newCapabilityEngine(t *testing.T, cfg RegistryConfig, opts ...RegistryOption) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry, err := NewRegistry(logger, cfg, opts...)
	require.NoError(t, err)
	engineCfg := testConfig()
	engineCfg.Preload = true
	engine, err := NewEngine(logger, engineCfg, registry)
	require.NoError(t, err)
	return engine
}

func TestSafeCapabilities(t *testing.T) {
	e := newCapabilityEngine(t, RegistryConfig{Allowed: DefaultCapabilities})

	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{"re.search", `return re.search("[0-9]+", "ab12cd34")`, "12"},
		{"re.search miss", `return re.search("[0-9]+", "abc")`, "None"},
		{"re.match anchored", `return re.match("b", "abc")`, "None"},
		{"re.match", `return re.match("a.", "abc")`, "ab"},
		{"re.fullmatch", `return re.fullmatch("a|abc", "abc")`, "abc"},
		{"re.findall", `return re.findall("[0-9]+", "1 22 333")`, `["1", "22", "333"]`},
		{"re.sub", `return re.sub("[aeiou]", "_", "banana")`, "b_n_n_"},
		{"re.split", `return re.split(",\\s*", "a, b,c")`, `["a", "b", "c"]`},
		{"re.escape", `return re.escape("a.b")`, `a\.b`},
		{"string.digits", `return string.digits`, "0123456789"},
		{"string.ascii_letters", `return len(string.ascii_letters)`, "52"},
		{"random.randint", `return random.randint(4, 4)`, "4"},
		{"random.choice", `return random.choice(["only"])`, "only"},
		{"random.uniform", `return random.uniform(1, 2) >= 1.0`, "True"},
		{"random.shuffle", `items = [1, 2, 3]
    random.shuffle(items)
    return sorted(items)`, "[1, 2, 3]"},
		{"uuid.uuid4", `return len(uuid.uuid4())`, "36"},
		{"collections.Counter", `return collections.Counter(["a", "b", "a"])["a"]`, "2"},
		{"itertools.chain", `return itertools.chain([1], (2, 3))`, "[1, 2, 3]"},
		{"json.decode", `return json.decode("{\"a\": 1}")["a"]`, "1"},
		{"math.floor", `return int(math.floor(2.7))`, "2"},
		{"time.parse_duration", `return str(time.parse_duration("1s"))`, "1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := "def process(input_text):\n    " + tt.body + "\n"
			requireOutput(t, execute(t, e, code, ""), tt.expected)
		})
	}

	t.Run("BadPattern", func(t *testing.T) {
		msg := requireFailure(t, execute(t, e, "def process(x):\n    return re.search(\"(\", x)\n", ""), ErrorKindRuntime)
		assert.Contains(t, msg, "invalid pattern")
	})

	t.Run("RandintEmptyRange", func(t *testing.T) {
		requireFailure(t, execute(t, e, "def process(x):\n    return random.randint(5, 1)\n", ""), ErrorKindRuntime)
	})
}

func TestFilesCapability(t *testing.T) {
	fs := newMockFileSystem()
	e := newCapabilityEngine(t, RegistryConfig{
		Allowed:     []string{"files"},
		AllowUnsafe: true,
		FilesRoot:   "/jail",
	}, WithFileSystem(fs))
	assert.Contains(t, fs.dirs, "/jail")

	t.Run("WriteReadList", func(t *testing.T) {
		code := `def process(x):
    files.write_text("notes.txt", x)
    files.write_text("other.txt", "2")
    return [files.read_text("notes.txt"), files.exists("notes.txt"), files.exists("gone.txt"), files.list_dir()]
`
		requireOutput(t, execute(t, e, code, "hello"), `["hello", True, False, ["notes.txt", "other.txt"]]`)
		assert.Equal(t, []byte("hello"), fs.files["/jail/notes.txt"])
	})

	t.Run("TraversalRejected", func(t *testing.T) {
		msg := requireFailure(t, execute(t, e, "def process(x):\n    return files.read_text(\"../etc/passwd\")\n", ""), ErrorKindRuntime)
		assert.Contains(t, msg, "unsafe relative path")
	})

	t.Run("AbsoluteRejected", func(t *testing.T) {
		requireFailure(t, execute(t, e, "def process(x):\n    return files.write_text(\"/etc/passwd\", x)\n", ""), ErrorKindRuntime)
	})

	t.Run("MissingFile", func(t *testing.T) {
		requireFailure(t, execute(t, e, "def process(x):\n    return files.read_text(\"missing.txt\")\n", ""), ErrorKindRuntime)
	})
}

func TestFilesCapabilityRootError(t *testing.T) {
	fs := newMockFileSystem()
	fs.mkdirAllErrors["/jail"] = errors.New("read-only file system")

	_, err := NewRegistry(zaptest.NewLogger(t), RegistryConfig{
		Allowed:     []string{"files"},
		AllowUnsafe: true,
		FilesRoot:   "/jail",
	}, WithFileSystem(fs))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only file system")
}

func TestSubprocessCapability(t *testing.T) {
	runner := &MockCommandRunner{
		commandResults: map[string]commandResult{
			"echo hi": {stdout: "hi\n"},
			"false":   {exitCode: 1, stderr: "nope"},
			"missing": {err: errors.New("executable file not found")},
		},
	}
	e := newCapabilityEngine(t, RegistryConfig{Allowed: []string{"subprocess"}, AllowUnsafe: true}, WithCommandRunner(runner))

	t.Run("Run", func(t *testing.T) {
		code := "def process(x):\n    r = subprocess.run([\"echo\", x])\n    return r.stdout.strip() + \":\" + str(r.exit_code)\n"
		requireOutput(t, execute(t, e, code, "hi"), "hi:0")
		assert.Equal(t, []string{"echo", "hi"}, runner.calls[len(runner.calls)-1])
		assert.True(t, runner.sawContext)
	})

	t.Run("ExitCode", func(t *testing.T) {
		code := "def process(x):\n    r = subprocess.run([\"false\"])\n    return [r.exit_code, r.stderr]\n"
		requireOutput(t, execute(t, e, code, ""), `[1, "nope"]`)
	})

	t.Run("RunnerError", func(t *testing.T) {
		msg := requireFailure(t, execute(t, e, "def process(x):\n    return subprocess.run([\"missing\"])\n", ""), ErrorKindRuntime)
		assert.Contains(t, msg, "executable file not found")
	})

	t.Run("NonStringArgument", func(t *testing.T) {
		requireFailure(t, execute(t, e, "def process(x):\n    return subprocess.run([\"echo\", 1])\n", ""), ErrorKindRuntime)
	})
}

func TestOSCapability(t *testing.T) {
	env := map[string]string{"FLOW_NAME": "demo"}
	e := newCapabilityEngine(t, RegistryConfig{Allowed: []string{"os"}, AllowUnsafe: true}, WithEnvLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))

	requireOutput(t, execute(t, e, "def process(x):\n    return os.getenv(\"FLOW_NAME\")\n", ""), "demo")
	requireOutput(t, execute(t, e, "def process(x):\n    return os.getenv(\"UNSET\")\n", ""), "None")
	requireOutput(t, execute(t, e, "def process(x):\n    return os.getenv(\"UNSET\", \"fallback\")\n", ""), "fallback")
}

func TestTimeSleepHonorsContext(t *testing.T) {
	e := newCapabilityEngine(t, RegistryConfig{Allowed: []string{"time"}})

	tests := []struct {
		name  string
		delay string
	}{
		{"Seconds", "30"},
		{"Duration", "time.parse_duration(\"30s\")"},
		{"BeyondDurationRange", "1e300"},
		{"Infinity", "float(\"inf\")"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			time.AfterFunc(50*time.Millisecond, cancel)

			start := time.Now()
			code := "def process(x):\n    time.sleep(" + tt.delay + ")\n    return x\n"
			result, err := e.Execute(ctx, ExecuteRequest{Code: code}, nil)
			require.NoError(t, err)
			assert.Equal(t, "execution cancelled", requireFailure(t, result, ErrorKindRuntime))
			assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}

	t.Run("NaN", func(t *testing.T) {
		result := execute(t, e, "def process(x):\n    time.sleep(float(\"nan\"))\n    return x\n", "")
		assert.Contains(t, requireFailure(t, result, ErrorKindRuntime), "invalid duration nan")
	})

	t.Run("NonPositiveReturnsAtOnce", func(t *testing.T) {
		requireOutput(t, execute(t, e, "def process(x):\n    time.sleep(-1)\n    time.sleep(0)\n    return x\n", "ok"), "ok")
	})
}

func TestTimeSleepBeyondRangeTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTimeout = 200 * time.Millisecond
	logger := zaptest.NewLogger(t)
	registry, err := NewRegistry(logger, RegistryConfig{Allowed: []string{"time"}})
	require.NoError(t, err)
	cfg.Preload = true
	e, err := NewEngine(logger, cfg, registry)
	require.NoError(t, err)

	result := execute(t, e, "def process(x):\n    time.sleep(1e300)\n    return \"woke\"\n", "")
	requireFailure(t, result, ErrorKindTimeout)
	assertNearTimeout(t, result, 200*time.Millisecond)
}

func TestRandomIntFullRange(t *testing.T) {
	e := newCapabilityEngine(t, RegistryConfig{Allowed: []string{"random"}})

	tests := []struct {
		name string
		args string
	}{
		{"FullInt64", "-9223372036854775807 - 1, 9223372036854775807"},
		{"UpperHalf", "0, 9223372036854775807"},
		{"Symmetric", "-4611686018427387904, 4611686018427387904"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := "def process(x):\n    return type(random.randint(" + tt.args + "))\n"
			requireOutput(t, execute(t, e, code, ""), "int")
		})
	}

	requireOutput(t, execute(t, e, "def process(x):\n    v = random.randint(-3, 3)\n    return str(v >= -3 and v <= 3)\n", ""), "True")
}
