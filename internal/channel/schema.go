package channel

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/lambda-feedback/foreman/util"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed message.schema.json
var messageSchemaJSON []byte

var messageSchema = util.Must(gojsonschema.NewSchema(
	gojsonschema.NewBytesLoader(messageSchemaJSON),
))

func validateBody(body []byte) error {
	result, err := messageSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidMessage, strings.Join(problems, "; "))
}
