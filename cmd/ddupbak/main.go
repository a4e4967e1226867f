package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/0x7d8/ddup-bak-go/chunk"
	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/repository"
)

const usage = `ddupbak - deduplicating backup tool

Usage:
  ddupbak init <root>                        Create a new repository at <root>
  ddupbak create <root> <archive> <dir>       Archive <dir> into <root>/archives/<archive>.ddup
  ddupbak list <root>                        List archives in <root>
  ddupbak restore <root> <archive> [dest]    Restore <archive> from <root>, optionally to [dest]
  ddupbak delete <root> <archive>             Delete <archive> and release its chunks
  ddupbak clean <root>                        Delete orphaned (refcount 0) chunks
  ddupbak inspect <root> <archive>            Show archive metadata without restoring it

Exit codes: 0 success, 1 user error, 2 I/O failure, 3 corruption detected.
`

const defaultChunkSize = 4 << 20 // 4 MiB

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Print(usage)
		return 1
	}

	switch args[0] {
	case "init":
		if len(args) < 2 {
			return usageError("init requires <root>")
		}
		return cmdInit(args[1])
	case "create":
		if len(args) < 4 {
			return usageError("create requires <root> <archive> <dir>")
		}
		return cmdCreate(args[1], args[2], args[3])
	case "list":
		if len(args) < 2 {
			return usageError("list requires <root>")
		}
		return cmdList(args[1])
	case "restore":
		if len(args) < 3 {
			return usageError("restore requires <root> <archive> [dest]")
		}
		dest := ""
		if len(args) > 3 {
			dest = args[3]
		}
		return cmdRestore(args[1], args[2], dest)
	case "delete":
		if len(args) < 3 {
			return usageError("delete requires <root> <archive>")
		}
		return cmdDelete(args[1], args[2])
	case "clean":
		if len(args) < 2 {
			return usageError("clean requires <root>")
		}
		return cmdClean(args[1])
	case "inspect":
		if len(args) < 3 {
			return usageError("inspect requires <root> <archive>")
		}
		return cmdInspect(args[1], args[2])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	default:
		return usageError(fmt.Sprintf("unknown subcommand %q", args[0]))
	}
}

func usageError(msg string) int {
	fmt.Fprintf(os.Stderr, "Error: %s\n\n", msg)
	fmt.Fprint(os.Stderr, usage)
	return 1
}

func ioError(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	return ddberr.ExitCode(err)
}

func cmdInit(root string) int {
	repo, err := repository.Create(root, defaultChunkSize, 0, nil)
	if err != nil {
		return ioError(err)
	}
	repo.SetSaveOnDrop(true)
	fmt.Printf("initialised repository at %s\n", root)
	return 0
}

func cmdCreate(root, archiveName, dir string) int {
	repo, err := repository.Open(root, "")
	if err != nil {
		return ioError(err)
	}
	repo.SetChunkSize(defaultChunkSize, 0)

	err = repo.CreateArchive(context.Background(), archiveName, dir, nil, nil, runtime.NumCPU())
	if err != nil {
		return ioError(err)
	}
	fmt.Printf("created archive %s\n", archiveName)
	return 0
}

func cmdList(root string) int {
	repo, err := repository.Open(root, "")
	if err != nil {
		return ioError(err)
	}
	names, err := repo.ListArchives()
	if err != nil {
		return ioError(err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return 0
}

func cmdRestore(root, archiveName, dest string) int {
	repo, err := repository.Open(root, "")
	if err != nil {
		return ioError(err)
	}

	restored, err := repo.RestoreArchive(context.Background(), archiveName, dest, func(path string, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", path, err)
		}
	}, runtime.NumCPU())
	if err != nil {
		return ioError(err)
	}
	fmt.Printf("restored to %s\n", restored)
	return 0
}

func cmdDelete(root, archiveName string) int {
	repo, err := repository.Open(root, "")
	if err != nil {
		return ioError(err)
	}
	if err := repo.DeleteArchive(archiveName, nil); err != nil {
		return ioError(err)
	}
	if err := repo.Save(); err != nil {
		return ioError(err)
	}
	fmt.Printf("deleted archive %s\n", archiveName)
	return 0
}

func cmdClean(root string) int {
	repo, err := repository.Open(root, "")
	if err != nil {
		return ioError(err)
	}
	before := repo.Stats()
	fmt.Printf("%d chunks, %d orphaned before clean\n", before.TotalChunks, before.OrphanedChunks)

	deleted := 0
	if err := repo.Clean(func(_ chunk.ID, wasDeleted bool) {
		if wasDeleted {
			deleted++
		}
	}); err != nil {
		return ioError(err)
	}
	fmt.Printf("deleted %d orphaned chunks\n", deleted)
	return 0
}

func cmdInspect(root, archiveName string) int {
	repo, err := repository.Open(root, "")
	if err != nil {
		return ioError(err)
	}
	info, err := repo.Inspect(archiveName)
	if err != nil {
		return ioError(err)
	}
	fmt.Printf("name:        %s\n", info.Name)
	fmt.Printf("size:        %d bytes\n", info.SizeBytes)
	fmt.Printf("entry_count: %d\n", info.EntryCount)
	fmt.Printf("top level:\n")
	for _, n := range info.TopLevelNames {
		fmt.Printf("  %s\n", n)
	}
	return 0
}
