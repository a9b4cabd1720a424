package pipeline

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
	gob.Register(TaskCmdParallel{})
	gob.Register(TaskCmdPipe{})
	gob.Register(TaskCmdClean{})
	gob.Register(TaskCmdServe{})
	gob.Register(TaskCmdWatch{})
}

// ScriptHash identifies a script's content. Cached task lists are only reused for the same hash.
func ScriptHash(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// WriteCache stores a parsed task list together with the script hash and the option values it
// was parsed with
func WriteCache(file, scriptHash string, options map[string]string, list TaskList) error {
	err := os.MkdirAll(filepath.Dir(file), 0755)
	if err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", file)
	}

	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(scriptHash)
	if err != nil {
		return err
	}

	err = encoder.Encode(options)
	if err != nil {
		return err
	}

	return encoder.Encode(list)
}

// ReadCache loads a task list written by WriteCache
func ReadCache(file string) (string, map[string]string, TaskList, error) {
	handle, err := os.Open(file)
	if err != nil {
		return "", nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var scriptHash string
	err = decoder.Decode(&scriptHash)
	if err != nil {
		return "", nil, nil, err
	}

	var options map[string]string
	err = decoder.Decode(&options)
	if err != nil {
		return scriptHash, nil, nil, err
	}

	var result TaskList
	err = decoder.Decode(&result)
	if err != nil {
		return scriptHash, options, nil, err
	}

	return scriptHash, options, result, nil
}
