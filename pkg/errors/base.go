package errors

// Module codes.
const (
	ModuleCommon     = 0
	ModuleConfig     = 1
	ModuleBackend    = 2
	ModuleWatcher    = 3
	ModuleReload     = 4
	ModuleSupervisor = 5
	ModuleProject    = 6
)

// Category codes.
const (
	CodeConfig   = 12
	CodeNetwork  = 10
	CodeInternal = 7
)

// Exit statuses.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitBind    = 2
	ExitCrash   = 3
)

var (
	// ErrInternal indicates an unexpected failure.
	ErrInternal = Register(&Errno{
		Code:     MakeCode(ModuleCommon, CodeInternal, 0),
		Category: CategoryInternal,
		Exit:     ExitFailure,
		Message:  "Internal error",
	})

	// ErrConfig indicates the server configuration could not be resolved.
	ErrConfig = Register(&Errno{
		Code:     MakeCode(ModuleConfig, CodeConfig, 0),
		Category: CategoryConfig,
		Exit:     ExitFailure,
		Message:  "Invalid configuration",
	})

	// ErrConfigMissing indicates a required value resolved to empty.
	ErrConfigMissing = Register(&Errno{
		Code:     MakeCode(ModuleConfig, CodeConfig, 1),
		Category: CategoryConfig,
		Exit:     ExitFailure,
		Message:  "Missing required configuration value",
	})

	// ErrBind indicates the configured address could not be bound.
	ErrBind = Register(&Errno{
		Code:     MakeCode(ModuleBackend, CodeNetwork, 0),
		Category: CategoryBind,
		Exit:     ExitBind,
		Message:  "Failed to bind address",
	})

	// ErrBackendUnknown indicates no engine is registered for the requested kind.
	ErrBackendUnknown = Register(&Errno{
		Code:     MakeCode(ModuleBackend, CodeConfig, 0),
		Category: CategoryConfig,
		Exit:     ExitFailure,
		Message:  "Unknown backend kind",
	})

	// ErrHotSwapUnsupported indicates an in-place reload was requested from an
	// engine that can only restart.
	ErrHotSwapUnsupported = Register(&Errno{
		Code:     MakeCode(ModuleBackend, CodeInternal, 1),
		Category: CategoryReload,
		Exit:     ExitFailure,
		Message:  "Backend does not support in-place reload",
	})

	// ErrWatch indicates the file watcher could not subscribe to the tree.
	ErrWatch = Register(&Errno{
		Code:     MakeCode(ModuleWatcher, CodeInternal, 0),
		Category: CategoryInternal,
		Exit:     ExitFailure,
		Message:  "Failed to watch project tree",
	})

	// ErrReload indicates a changeset could not be applied.
	ErrReload = Register(&Errno{
		Code:     MakeCode(ModuleReload, CodeInternal, 0),
		Category: CategoryReload,
		Exit:     ExitFailure,
		Message:  "Failed to apply changeset",
	})

	// ErrCrash indicates the backend died and the restart budget is spent.
	ErrCrash = Register(&Errno{
		Code:     MakeCode(ModuleSupervisor, CodeInternal, 0),
		Category: CategoryCrash,
		Exit:     ExitCrash,
		Message:  "Server crashed",
	})

	// ErrNotRunning indicates an operation needed a live handle.
	ErrNotRunning = Register(&Errno{
		Code:     MakeCode(ModuleSupervisor, CodeInternal, 1),
		Category: CategoryReload,
		Exit:     ExitFailure,
		Message:  "Server is not running",
	})

	// ErrProjectLoad indicates the project sources could not be loaded.
	ErrProjectLoad = Register(&Errno{
		Code:     MakeCode(ModuleProject, CodeInternal, 0),
		Category: CategoryReload,
		Exit:     ExitFailure,
		Message:  "Failed to load project",
	})

	// ErrDatabase indicates the project database could not be opened.
	ErrDatabase = Register(&Errno{
		Code:     MakeCode(ModuleProject, CodeConfig, 0),
		Category: CategoryConfig,
		Exit:     ExitFailure,
		Message:  "Failed to open project database",
	})
)
