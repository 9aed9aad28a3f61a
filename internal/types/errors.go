package types

import "errors"

// Sentinel errors for serverrules operations.
var (
	// ErrDuplicateTag indicates an operator tag is already registered.
	ErrDuplicateTag = errors.New("operator tag already registered")

	// ErrUnknownOperator indicates no operator is registered for a tag.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrUnknownActionTag indicates a rule body contains an unrecognized action element.
	ErrUnknownActionTag = errors.New("unknown action tag")

	// ErrUnknownCondition indicates a condition contains an unrecognized element.
	ErrUnknownCondition = errors.New("unknown condition element")

	// ErrSchemaValidation indicates a rule body does not conform to the operator schema.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrInvalidSchema indicates operator schema fragments could not be combined.
	ErrInvalidSchema = errors.New("invalid schema declaration")

	// ErrMalformedRule indicates rule XML lacks the rule/condition/action structure.
	ErrMalformedRule = errors.New("malformed rule definition")

	// ErrInvalidAttribute indicates a required attribute is missing or unparsable.
	ErrInvalidAttribute = errors.New("invalid attribute")

	// ErrRuleTooLarge indicates rule XML exceeds MaxRuleSize.
	ErrRuleTooLarge = errors.New("rule exceeds maximum size")

	// ErrTooDeep indicates XML nesting exceeds MaxElementDepth.
	ErrTooDeep = errors.New("element nesting exceeds maximum depth")

	// ErrPayloadTooLarge indicates the subject payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyWildcards indicates a field path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("field path has too many wildcards")

	// ErrInvalidPath indicates a field path expression could not be parsed.
	ErrInvalidPath = errors.New("invalid field path")

	// ErrCoercionFailed indicates type coercion failed.
	ErrCoercionFailed = errors.New("type coercion failed")

	// ErrFieldNotFound indicates a field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrEngineNotLoaded indicates Execute was called before a successful Load.
	ErrEngineNotLoaded = errors.New("rules engine not loaded")
)
