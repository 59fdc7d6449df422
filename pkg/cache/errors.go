package cache

import "errors"

// ErrPageSizeTooSmall rejects configurations whose checksummed page body
// would be empty.
var ErrPageSizeTooSmall = errors.New("page size must exceed the 12-byte page footer")

// ErrPageCount is returned by Load when fewer than one page is requested.
var ErrPageCount = errors.New("amount of pages to load should be not less than 1")

// ErrFileNotRegistered is returned for operations on an unknown file.
var ErrFileNotRegistered = errors.New("file is not registered in the write cache")

// ErrFileAlreadyExists is returned when adding a name that is live.
var ErrFileAlreadyExists = errors.New("file already exists in storage")

// ErrShutdownTimeout means the background flush worker could not be
// stopped within the close bound.
var ErrShutdownTimeout = errors.New("background data flush task cannot be stopped")

// ErrCacheClosed is returned when a task is submitted after shutdown.
var ErrCacheClosed = errors.New("write cache is closed")
