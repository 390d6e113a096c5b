package sysprompt

import (
	"os"
	"runtime"
)

func runtimeOS() string { return runtime.GOOS }

func shellName() string { return os.Getenv("SHELL") }
